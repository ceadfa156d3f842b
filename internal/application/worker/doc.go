// Package worker implements the loop run by every worker process.
//
// A worker serves exactly one provider. It opens its own connections after
// it was spawned, then cycles through fetching an envelope from the
// provider queue, handing it to the executor and acknowledging it, while
// keeping its registry record alive. A drain request stops it from fetching
// again; a task that is already executing is finished first.
package worker
