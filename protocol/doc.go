// Package protocol implements the RESP wire format used between clients,
// masters and replicas.
//
// The package provides a streaming Reader that decodes exactly one complete
// frame per call without ever returning a partial result, and a buffered
// Writer producing the exact inverse encoding, so that for every
// constructible Frame f, decoding Encode(f) yields f again.
//
// Basic usage:
//
//	reader := protocol.NewReader(conn)
//	for {
//		frame, err := reader.ReadFrame()
//		if err != nil {
//			break
//		}
//		// Process frame
//	}
//
// Decode failures are classified as ErrMalformedFrame (unparseable bytes)
// or ErrProtocolLimitExceeded (a declared length above the configured
// maximum); both are connection-fatal. Transport errors pass through
// unwrapped.
//
// The snapshot payload a master transmits during a full resync is handled
// by Writer.WriteSnapshot and Reader.ReadSnapshot: it is length-prefixed
// like a bulk string but carries no trailing CRLF and is not a frame.
package protocol
