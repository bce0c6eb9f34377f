// Package replication implements both sides of master/replica replication.
//
// The master side (Master) owns the replication ID and offset, answers
// PSYNC with a full resync, and propagates write commands to every
// registered replica link. Each link drains its own outbound queue, so a
// slow or dead replica never blocks the others.
//
// The replica side (Client) dials the master and drives the handshake:
//   - PING, expecting +PONG
//   - REPLCONF listening-port and capa, expecting +OK each
//   - PSYNC ? -1, expecting +FULLRESYNC followed by a snapshot payload
//
// After the snapshot the client applies the streamed command feed to local
// state without writing replies, answering REPLCONF GETACK with the number
// of stream bytes processed. Any failure tears the connection down and the
// whole handshake restarts after an exponential backoff.
//
// Basic usage on the replica side:
//
//	client := replication.NewClient("localhost:6379", applyFn)
//	err := client.Start(context.Background())
//	if err != nil {
//		log.Fatal(err)
//	}
//	err = client.WaitForSync(ctx)
package replication
