// Package scheduler is the job trigger loop.
//
// One control loop sleeps until the earliest due job (or a control event), then dispatches due
// jobs to the task engine in (NextDueAt, ID) order. Execution is delegated to an Executor
// running on an engine slot; the scheduler is responsible for:
//   - the job state machine (pending, queued, running, completed, failed, cancelled)
//   - at most one running job per account, and the global concurrency cap
//   - outcome recording, recurrence and the automatic retry policy
//   - startup recovery of jobs left running by a previous process
//   - retention of finished one-shot jobs
package scheduler
