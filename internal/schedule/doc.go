// Package schedule computes due instants.
//
// Templates (time-of-day slots on active weekdays) are expanded by NextOccurrence, which is a
// pure function of the template and the reference instant. Interval and cron recurrences are
// described by Spec and expanded by Next.
//
// Daylight-saving rules:
//   - A slot that falls into a skipped wall-clock range resolves to the first instant after the
//     gap (e.g. 02:30 on a spring-forward night in New York resolves to 03:00 EDT).
//   - A slot that falls into a repeated wall-clock range resolves to its first instance only.
package schedule
