// Package ctxstore provides the keyed state store used by the correlation engine.
//
// Store is a map from event.ContextKey to a value, split into shards that each
// carry their own mutex. Events for different contexts usually land in different
// shards and never wait on each other; events for one context always hit the
// same shard.
//
// Queries:
//   - Get(key)
//   - Len()
//
// Commands:
//   - Put(key, value)
//   - Update(key, fn) - atomic read-modify-write of one key
//   - Take(key)       - get and remove
//   - Remove(key)
//   - Sweep(pred)     - remove matching entries across all shards
//   - Clear()
//
// A store created with a capacity holds at most that many entries in total.
// An insert that takes the store over capacity evicts the least recently
// touched entry of the whole store, whichever shard it lives in.
package ctxstore
