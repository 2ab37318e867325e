// Package schedule runs workgate's periodic tasks: the lease sweeper, the
// queue sampler, the rollup, the supervisor prune and the health tick.
//
// This package includes:
//   - Schedule interface with Every() and ParseCron() implementations
//   - Runner, which drives a set of named tasks until its context ends
package schedule
