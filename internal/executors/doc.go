// Package executors holds the executors the daemon registers on its own:
// garbage collection of orphaned jobs and a log-only executor for generic jobs.
package executors
