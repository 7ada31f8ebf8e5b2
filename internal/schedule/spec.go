package schedule

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind is the recurrence kind of a job schedule.
type Kind string

const (
	KindOnce     Kind = "once"
	KindTemplate Kind = "template"
	KindInterval Kind = "interval"
	KindCron     Kind = "cron"
)

// MinInterval is the shortest interval recurrence (after jitter).
const MinInterval = 10 * time.Second

// Spec is a job's schedule: a single instant, a template reference, or an interval/cron rule.
type Spec struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at,omitempty"`

	// TemplateID refers to a Template; empty selects the default template.
	TemplateID string `json:"template_id,omitempty"`

	IntervalSeconds int `json:"interval_seconds,omitempty"`
	JitterPercent   int `json:"jitter_percent,omitempty"`

	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

func (s Spec) Recurring() bool { return s.Kind != KindOnce }

func (s Spec) Validate() error {
	switch s.Kind {
	case KindOnce:
		if s.At.IsZero() {
			return fmt.Errorf("once schedule requires at")
		}
	case KindTemplate:
	case KindInterval:
		if time.Duration(s.IntervalSeconds)*time.Second < MinInterval {
			return fmt.Errorf("interval must be at least %s", MinInterval)
		}
		if s.JitterPercent < 0 || s.JitterPercent > 50 {
			return fmt.Errorf("jitter_percent must be within 0..50")
		}
	case KindCron:
		if _, err := parseCron(s.Cron, s.Timezone); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func parseCron(expr, tz string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	if tz = strings.TrimSpace(tz); tz != "" && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		if _, err := LoadLocation(tz); err != nil {
			return nil, err
		}
		expr = "CRON_TZ=" + tz + " " + expr
	}
	sch, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return sch, nil
}

// NextRule expands interval and cron specs. Template specs go through NextOccurrence and once
// specs never recur; both return ok=false here.
func NextRule(s Spec, after time.Time, rng *rand.Rand) (time.Time, bool) {
	switch s.Kind {
	case KindInterval:
		every := time.Duration(s.IntervalSeconds) * time.Second
		if every <= 0 {
			return time.Time{}, false
		}
		return after.Add(JitterInterval(every, s.JitterPercent, rng)), true
	case KindCron:
		sch, err := parseCron(s.Cron, s.Timezone)
		if err != nil {
			return time.Time{}, false
		}
		next := sch.Next(after)
		return next, !next.IsZero()
	}
	return time.Time{}, false
}

// JitterInterval varies base by ±percent, never going below MinInterval.
func JitterInterval(base time.Duration, percent int, rng *rand.Rand) time.Duration {
	if percent <= 0 || rng == nil {
		return max(base, MinInterval)
	}
	variation := int64(base) * int64(percent) / 100
	if variation <= 0 {
		return max(base, MinInterval)
	}
	j := rng.Int63n(2*variation+1) - variation
	return max(base+time.Duration(j), MinInterval)
}

// Spread pushes due forward by a random amount in [0, offset].
func Spread(due time.Time, offset time.Duration, rng *rand.Rand) time.Time {
	if offset <= 0 || rng == nil {
		return due
	}
	return due.Add(time.Duration(rng.Int63n(int64(offset) + 1)))
}

var reDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)

// ParseSpec parses the compact schedule syntax used by the CLI.
//
// Supported forms:
//   - "at:2026-05-01T10:30" or a bare RFC3339 / "2006-01-02 15:04" timestamp (once)
//   - "template:<id>" or "template" (default template)
//   - "interval:55m", "every:2h30m", "interval:01:30" (HH:MM duration), optional "~10%" jitter
//   - "cron:*/5 * * * *", or anything containing whitespace or starting with '@'
func ParseSpec(raw string, loc *time.Location) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}
	if loc == nil {
		loc = time.Local
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "at:"):
		return parseAt(strings.TrimSpace(s[len("at:"):]), loc)
	case low == "template":
		return Spec{Kind: KindTemplate}, nil
	case strings.HasPrefix(low, "template:"):
		return Spec{Kind: KindTemplate, TemplateID: strings.TrimSpace(s[len("template:"):])}, nil
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		sp := Spec{Kind: KindCron, Cron: expr}
		return sp, sp.Validate()
	case strings.HasPrefix(low, "interval:"):
		return parseIntervalSpec(strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseIntervalSpec(strings.TrimSpace(s[len("every:"):]))
	case reDate.MatchString(s):
		return parseAt(s, loc)
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		sp := Spec{Kind: KindCron, Cron: s}
		return sp, sp.Validate()
	}
	return parseIntervalSpec(s)
}

func parseAt(v string, loc *time.Location) (Spec, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02T15:04:05"} {
		var (
			t   time.Time
			err error
		)
		if layout == time.RFC3339 {
			t, err = time.Parse(layout, v)
		} else {
			t, err = time.ParseInLocation(layout, v, loc)
		}
		if err == nil {
			return Spec{Kind: KindOnce, At: t}, nil
		}
	}
	return Spec{}, fmt.Errorf("invalid instant %q (use RFC3339 or 2006-01-02 15:04)", v)
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

func parseIntervalSpec(v string) (Spec, error) {
	jitter := 0
	if i := strings.Index(v, "~"); i >= 0 {
		p := strings.TrimSuffix(strings.TrimSpace(v[i+1:]), "%")
		if _, err := fmt.Sscanf(p, "%d", &jitter); err != nil {
			return Spec{}, fmt.Errorf("invalid jitter %q", v[i+1:])
		}
		v = strings.TrimSpace(v[:i])
	}
	d, err := parseInterval(v)
	if err != nil {
		return Spec{}, err
	}
	sp := Spec{Kind: KindInterval, IntervalSeconds: int(d / time.Second), JitterPercent: jitter}
	return sp, sp.Validate()
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		var hh, mm int
		_, _ = fmt.Sscanf(m[1], "%d", &hh)
		_, _ = fmt.Sscanf(m[2], "%d", &mm)
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
