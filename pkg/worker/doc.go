// Package worker provides a generic, fixed-size worker pool.
//
// A Pool runs a fixed number of goroutines that take work items of type T from
// a bounded channel and hand them to a processor function. Submit never blocks:
// when the queue is full it returns ErrQueueFull and counts the item as dropped,
// which is the backpressure signal for callers.
//
// Statistics are always tracked with atomics. Prometheus metrics are optional
// and enabled with WithMetricsRegistry:
//
//	pool, err := worker.NewPool(4, 256, deliver,
//	    worker.WithMetricsRegistry[output.Batch](registry, "fanout"),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// Lifecycle rules:
//   - Start may be called once; a second call returns ErrPoolAlreadyStarted
//   - Submit fails with ErrPoolNotStarted before Start and ErrPoolStopped after Stop
//   - Stop closes the queue, lets workers drain it and waits up to the timeout
//   - Stop is idempotent
//
// Worker pool errors are plain sentinels rather than classified errors: they
// signal programming mistakes or resource exhaustion. Errors returned by the
// processor are counted as failures and passed to the optional failure hook.
package worker
