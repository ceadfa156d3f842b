// Package events holds the pool event bus implementations.
//
//   - redis: one Redis stream per topic (kg:events:<topic>), read with XREAD
//     from the newest entry, so subscribers only see events published after
//     they subscribed
//   - memory: in-process fan-out, used by tests
package events
