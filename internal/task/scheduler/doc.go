// Package scheduler turns schedule strings (cron/interval/daily) into recurring jobs.
//
// The scheduler does not trigger anything itself; queue timers do. It is
// responsible only for:
//   - parsing and compiling schedules
//   - wrapping executors so a successful run moves the job to its next slot
//   - seeding one persisted recurring job per configured schedule
package scheduler
