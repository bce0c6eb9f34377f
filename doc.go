// Package credis provides a RESP-compatible in-memory key-value server
// with master/replica replication.
//
// A server runs in one of two roles. A master serves reads and writes and
// propagates every write to its connected replicas in applied order. A
// replica synchronizes with a master over the standard handshake (PING,
// REPLCONF, PSYNC), applies the streamed command feed to its own keyspace,
// and serves reads to its clients while rejecting writes.
//
// Basic usage:
//
//	master, err := credis.New(credis.WithListenAddr(":6379"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer master.Close()
//
//	if err := master.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
//	replica, err := credis.New(
//		credis.WithListenAddr(":6380"),
//		credis.WithMaster("localhost:6379"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer replica.Close()
//
//	if err := replica.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//	if err := replica.WaitForSync(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
// The library supports:
//
//   - Binary-safe keyspace commands (GET, SET with PX/EX, DEL, EXISTS)
//   - Lua script execution (EVAL, EVALSHA, SCRIPT)
//   - Fire-and-forget propagation that never lets one slow replica stall others
//   - Automatic replica reconnection with exponential backoff
//   - Graceful shutdown
//
// For a runnable demo, see the examples/ directory.
package credis
