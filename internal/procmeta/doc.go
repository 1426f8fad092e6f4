// Package procmeta reads and caches process metadata from the /proc filesystem.
//
// Records only carry the 16-byte task comm. Exported spans also describe the
// sending process by executable path and full command line, which are read
// from /proc/<pid> the first time a PID is seen.
//
// Manager provides command-query separation:
//
// Queries (read-only):
//   - Get(pid) - Cached metadata only, never touches /proc
//
// Commands (mutations):
//   - Lookup(pid)   - Get, reading /proc on a miss or an expired entry
//   - Prefetch(pid) - Queue pid for the background worker, never blocks
//   - Run(ctx)      - Background worker draining the prefetch queue
//
// The record path only calls Get and Prefetch, so a slow /proc read never
// stalls event delivery.
//
// Entries expire after a TTL so a reused PID is eventually re-read, and the
// cache holds a bounded number of PIDs.
//
// Thread-safe with RWMutex for concurrent access.
package procmeta
