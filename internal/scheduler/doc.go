// Package scheduler drives crawl jobs through Idle, Due, Running and back to
// Idle. A polling loop compares each job's cached due instant against the
// clock; due jobs go to the task engine, and every finished run is written to
// the job store before the job is rescheduled.
//
// At most one run per job is in flight. Manual triggers share that gate but
// do not move the due instant. Deleting a running job lets the crawl finish
// and drops its outcome.
package scheduler
