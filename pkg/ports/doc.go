// Package ports defines the interfaces between the pool core and its
// adapters: queue, executor, registry mirror, throttle, lock, spawner,
// event bus and metrics.
package ports
