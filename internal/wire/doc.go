// Package wire owns the binary contracts of scenesync.
//
// Ownership boundary:
//   - record and batch encoding (record.go, decoder.go)
//   - RPC frame header primitives (frame.go)
//   - TLV request/response bodies (tlv.go)
//
// All integers are big-endian.
package wire
