// Package scheduler turns cron and interval specs into task engine
// submissions. It only computes trigger times; execution, timeouts and retry
// belong to the engine.
package scheduler
