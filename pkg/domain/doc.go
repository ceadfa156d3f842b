// Package domain holds the types shared by the node supervisor, the worker
// processes and the adapters: providers, task envelopes, worker and node
// records, pool limits and the run state.
package domain
