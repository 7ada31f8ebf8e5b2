// Package unitctl inspects and controls the systemd unit running the daemon over D-Bus.
package unitctl

import (
	"fmt"
	"strings"
	"time"
)

// Status is the current state of a unit.
type Status struct {
	Unit        string
	Active      string // active, inactive, failed, etc.
	SubState    string // running, dead, etc.
	LoadState   string // loaded, not-found, etc.
	Description string
	MainPID     uint32
	Memory      uint64    // bytes, 0 when unknown
	ActiveSince time.Time // ActiveEnterTimestamp
	StateChange time.Time // StateChangeTimestamp
}

// Found reports whether systemd knows the unit.
func (s Status) Found() bool { return s.LoadState != "" && s.LoadState != "not-found" }

// Uptime is the time since the unit became active, or 0 when it is not active.
func (s Status) Uptime(now time.Time) time.Duration {
	if s.Active != "active" || s.ActiveSince.IsZero() {
		return 0
	}
	return now.Sub(s.ActiveSince)
}

// UnitName appends ".service" when name has no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		switch name[i+1:] {
		case "service", "socket", "timer", "target":
			return name
		}
	}
	return name + ".service"
}

func notFound(unit string) Status {
	return Status{Unit: unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}
}

func statusFromProps(unit string, props map[string]any) Status {
	st := Status{
		Unit:        unit,
		Active:      stringProp(props, "ActiveState"),
		SubState:    stringProp(props, "SubState"),
		LoadState:   stringProp(props, "LoadState"),
		Description: stringProp(props, "Description"),
		ActiveSince: timestampProp(props, "ActiveEnterTimestamp"),
		StateChange: timestampProp(props, "StateChangeTimestamp"),
	}
	if st.LoadState == "not-found" {
		return notFound(unit)
	}
	if pid, ok := props["MainPID"].(uint32); ok {
		st.MainPID = pid
	}
	// MemoryCurrent is MaxUint64 when accounting is off.
	if mem, ok := props["MemoryCurrent"].(uint64); ok && mem > 0 && mem != ^uint64(0) {
		st.Memory = mem
	}
	return st
}

func timestampProp(props map[string]any, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		// systemd timestamps are in microseconds since the Unix epoch
		return time.Unix(int64(ts/1_000_000), 0)
	}
	return time.Time{}
}

func stringProp(props map[string]any, key string) string {
	v, _ := props[key].(string)
	return v
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units.
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}

func jobError(action, unit, result string) error {
	if result == "done" {
		return nil
	}
	return fmt.Errorf("%s %s: job %s", action, unit, result)
}
