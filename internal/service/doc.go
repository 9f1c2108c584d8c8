package service

// Package service implements the scheduling and execution engine.
//
// Overview
// The Scheduler owns the loop. On every tick it asks the Planner which
// commands are due, hands that Batch to the Dispatcher and passes every
// Result to the reporters. The Dispatcher fans the batch out to a bounded
// pool of Runner executions and returns results in batch order.
//
// Runner is a thin, opinionated wrapper around os/exec:
//   - starts the process in its own process group
//   - captures stdout and stderr (stderr optionally line by line)
//   - terminates the group on timeout, SIGTERM first, SIGKILL after a grace
//   - always reaps the child and returns a terminal Result
//
// Data flow:
//
//   Scheduler          Planner        Dispatcher            Runner
//       |                 |               |                    |
//   tick -> Due(now) ---->|               |                    |
//       |<---- Batch -----|               |                    |
//       | RunBatch(batch) --------------->| Execute() x N ---->| os/exec Start/Wait
//       |                 |               |<----- Result ------|
//       |<------------- []Result ---------|                    |
//   Report(result) -> reporters, in batch order
//
// Invariants:
//   - At most max_concurrency Runner executions are in flight.
//   - Each execution produces one terminal Result.
//   - A failing command never cancels its siblings nor stops the loop.
//   - Stop wakes a sleeping loop at once; a running batch always finishes.
//   - Ticks start at least interval apart, overruns are not caught up.
