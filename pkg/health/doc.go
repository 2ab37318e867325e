// Package health evaluates the queue broker, its supervisors, lane backlogs
// and engine heartbeats into a single report, caches the latest report and
// drives incident tracking and alerting from it.
package health
