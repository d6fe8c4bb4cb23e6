/*
Package concurrency provides small goroutine-lifecycle helpers shared by the
control plane's long-running tasks (Runner dispatch loops, Client dispatch
loops, the services supervisor).

  - SafeGo: spawn a goroutine that recovers from panics and logs them instead
    of taking down the process
  - WorkerPool: a bounded pool used by the supervisor to run one task per
    configured device without spawning unbounded goroutines
*/
package concurrency
