// Package recurrence evaluates weekly crawl schedules: a set of weekdays plus a
// time of day. It has no state and no I/O.
package recurrence
