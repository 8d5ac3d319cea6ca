package engine

// Package engine implements the job engine: it accepts requests from the
// orchestrator, stores values, binds jobs to safe objects and runs them once
// every parameter value is available.
//
// Overview
// Engine.Do owns the request loop. Every request except HaltAllJobs and
// VmShutdown is handled on a bounded pool of handler goroutines, so requests
// concerning different jobs proceed concurrently. Values live in the
// valuestore; a value becomes visible once its signal marker exists. The
// notify.Watcher reports new markers, which either fulfil a pending pull or
// resolve job dependencies.
//
// Data flow:
//
//   orchestrator       Engine.Do            handler pool          valuestore
//       |                  |                      |                    |
//   request ------------->| dispatch ----------->| PushData ---------->| data + marker
//       |                  |                      |                    |
//       |                  |<----- notify --------|<---- fsnotify -----| marker created
//       |                  |                      | pull / resolve     |
//       |<---- PostValue --|                      | tryRun ---> run    |
//       |<---- JobDone ----|<--------- finish ----|                    |
//
// Job state machine:
//
//   created -> parameters_pending -> running -> finished | failed
//
// Lock order: objectsMx -> jobsMx -> job.mx -> {depsMx, pullsMx}. Handlers
// hold lifecycle for reading; HaltAllJobs holds it for writing, so a reset
// never interleaves with a handler.
//
// Invariants:
//   - A job runs at most once.
//   - A job runs only when its safe object is complete, all its expected
//     parameters are set and none of the values is missing.
//   - A pull or a dependency registered concurrently with the value arrival
//     is never missed: the readiness check and the registration share a lock
//     with the notifier handler.
//   - Every started job ends with exactly one JobDone or JobFail, unless a
//     reset discarded it first.
//   - Requests and run outcomes predating a reset are dropped.
//
// engine_test.go is the best source about how to drive an Engine.
