// Package digest owns the daily summary: the debounced digest-time setting,
// the report built from today's runs, its delivery sinks, and the cron
// trigger that fires it.
package digest
