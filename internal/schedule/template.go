package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultRandomOffset = 15 // minutes
	MaxRandomOffset     = 60 // minutes
)

// Template is a reusable recurrence definition referenced by jobs.
type Template struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Times    []string `json:"times"`    // "HH:MM" wall-clock slots
	Weekdays []string `json:"weekdays"` // "mon".."sun" (full names accepted)
	Timezone string   `json:"timezone,omitempty"`
	// RandomOffset spreads each due instant forward by up to this many minutes.
	RandomOffset int       `json:"random_offset"`
	IsDefault    bool      `json:"is_default"`
	Enabled      bool      `json:"enabled"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks slots, weekdays, timezone and offset. Empty slot or weekday lists are valid:
// such a template simply never fires.
func (t Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("template name required")
	}
	for _, s := range t.Times {
		if _, _, err := ParseHHMM(s); err != nil {
			return err
		}
	}
	for _, d := range t.Weekdays {
		if _, err := ParseWeekday(d); err != nil {
			return err
		}
	}
	if _, err := LoadLocation(t.Timezone); err != nil {
		return err
	}
	if t.RandomOffset < 0 || t.RandomOffset > MaxRandomOffset {
		return fmt.Errorf("random_offset must be within 0..%d minutes", MaxRandomOffset)
	}
	return nil
}

type slot struct{ h, m int }

func (t Template) slots() []slot {
	seen := map[slot]bool{}
	out := make([]slot, 0, len(t.Times))
	for _, s := range t.Times {
		h, m, err := ParseHHMM(s)
		if err != nil {
			continue
		}
		sl := slot{h, m}
		if seen[sl] {
			continue
		}
		seen[sl] = true
		out = append(out, sl)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].h != out[j].h {
			return out[i].h < out[j].h
		}
		return out[i].m < out[j].m
	})
	return out
}

func (t Template) weekdaySet() map[time.Weekday]bool {
	set := map[time.Weekday]bool{}
	for _, d := range t.Weekdays {
		if wd, err := ParseWeekday(d); err == nil {
			set[wd] = true
		}
	}
	return set
}

// NextOccurrence returns the earliest instant strictly after `after` that matches one of the
// template's slots on an active weekday, in the template's timezone. ok is false when the
// template has no usable slots or weekdays.
func NextOccurrence(t Template, after time.Time) (next time.Time, ok bool) {
	slots := t.slots()
	days := t.weekdaySet()
	if len(slots) == 0 || len(days) == 0 {
		return time.Time{}, false
	}
	loc, err := LoadLocation(t.Timezone)
	if err != nil {
		return time.Time{}, false
	}

	a := after.In(loc)
	y, m, d := a.Date()
	// Eight days always reach the next active weekday; one more covers a slot pushed past
	// midnight by a DST gap.
	for off := 0; off <= 8; off++ {
		day := time.Date(y, m, d+off, 12, 0, 0, 0, loc)
		if !days[day.Weekday()] {
			continue
		}
		dy, dm, dd := day.Date()
		for _, sl := range slots {
			cand := resolveWall(dy, dm, dd, sl.h, sl.m, loc)
			if cand.After(after) {
				return cand, true
			}
		}
	}
	return time.Time{}, false
}

// resolveWall maps a wall-clock time to an instant, pushing times inside a DST gap to the end of
// the gap and picking the first instance of a repeated time.
func resolveWall(y int, mo time.Month, d, h, mi int, loc *time.Location) time.Time {
	cand := time.Date(y, mo, d, h, mi, 0, 0, loc)
	if wallEquals(cand, y, mo, d, h, mi) {
		// Repeated hour: an earlier instant may show the same wall time.
		_, offBefore := cand.Add(-3 * time.Hour).Zone()
		_, offNow := cand.Zone()
		if offBefore > offNow {
			earlier := cand.Add(-time.Duration(offBefore-offNow) * time.Second)
			if wallEquals(earlier, y, mo, d, h, mi) {
				return earlier
			}
		}
		return cand
	}
	return gapEnd(y, mo, d, h, mi, loc)
}

func wallEquals(t time.Time, y int, mo time.Month, d, h, mi int) bool {
	ty, tm, td := t.Date()
	return ty == y && tm == mo && td == d && t.Hour() == h && t.Minute() == mi
}

// gapEnd returns the first instant whose wall clock is at or after the requested (nonexistent)
// wall time, i.e. the zone transition that created the gap.
func gapEnd(y int, mo time.Month, d, h, mi int, loc *time.Location) time.Time {
	want := time.Date(y, mo, d, h, mi, 0, 0, time.UTC)
	lo := time.Date(y, mo, d, 0, 0, 0, 0, loc).Add(-6 * time.Hour)
	hi := lo.Add(36 * time.Hour)
	wall := func(t time.Time) time.Time {
		ty, tm, td := t.Date()
		return time.Date(ty, tm, td, t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	}
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2).Truncate(time.Second)
		if wall(mid).Before(want) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi
}

// ParseHHMM parses a wall-clock "HH:MM" (00:00..23:59).
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func ParseWeekday(s string) (time.Weekday, error) {
	wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("invalid weekday %q", s)
	}
	return wd, nil
}

// LoadLocation resolves an IANA zone name; empty means the process local zone.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}
