// Package supervisor implements the node side of the worker pool.
//
// The Supervisor owns the process table of this node and spawns worker
// processes per provider within the configured ceilings. The Guard
// periodically reconciles that table with the registry mirror and restores
// providers to their target. The Coordinator turns a termination signal
// into a bounded drain of every process the node owns.
//
// Worker processes never run inside this package; they are separate OS
// processes running the loop in package worker.
package supervisor
