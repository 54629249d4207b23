// Package proto implements the wire codec for the guest debug protocol.
//
// Message bodies are FlatBuffers buffers built from schema.fbs. The root of
// every body is an envelope table:
//
//	Request  { id:uint; request_data:RequestData }
//	Response { id:uint; response_data:ResponseData }
//
// The data field is a union keyed by DataType. Each request type has exactly
// one matching response type carrying the same tag. A response with id 0 is
// an unsolicited event (breakpoint hit, access violation).
//
// Reads are bounds-checked; a body that points outside itself decodes to a
// *ProtocolError wrapping ErrTruncated. The length prefix that frames a body
// on the stream is handled by the transport package, not here: this package
// is pure data-shape logic and performs no I/O.
package proto
