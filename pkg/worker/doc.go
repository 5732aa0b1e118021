// Package worker provides a generic bounded worker pool. The relay
// feeds inbound socket messages through one so a slow fan-out cannot
// block connection read loops.
//
// A pool runs a fixed number of goroutines draining a bounded channel.
// Submit is non-blocking: when the queue is full the item is dropped
// and ErrQueueFull returned, which callers surface as a drop metric
// rather than backpressure on the socket. The pool is one-shot; after
// Stop it cannot be started again.
//
//	pool := worker.NewPool(8, 256, func(ctx context.Context, m inboundMessage) error {
//	    return handle(ctx, m)
//	})
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// With WithMetricsRegistry the pool registers queue depth, utilization,
// and per-item processing time with the shared Prometheus registry.
package worker
