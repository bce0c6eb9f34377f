// Package server accepts RESP client connections and executes commands
// against the keyspace store.
//
// Each connection gets its own goroutine running a request/reply loop.
// Malformed frames are fatal to the offending connection only; recognized
// commands with bad arguments produce an inline error reply and the
// connection keeps serving. A connection that completes PSYNC leaves the
// request/reply loop and becomes a replica feed owned by the replication
// coordinator.
//
// The server is compatible with Redis clients like github.com/redis/go-redis
// and supports:
//   - Keyspace commands (GET, SET, DEL, EXISTS)
//   - Lua script execution (EVAL, EVALSHA, SCRIPT LOAD, SCRIPT EXISTS, SCRIPT FLUSH)
//   - Replication commands (INFO, REPLCONF, PSYNC)
//   - Concurrent client handling
package server
