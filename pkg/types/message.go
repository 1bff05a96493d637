package types

import (
	"time"
)

// InboundMessage is a single frame as received from the upstream subscription.
type InboundMessage struct {
	// Seq is the arrival position of the frame on its subscription handle, starting at 1.
	Seq uint64
	// Payload is the raw frame content.
	Payload []byte
	// ReceivedAt is when the subscriber handed the frame out.
	ReceivedAt time.Time
}

// OutboundRecord is what gets published to the destination topic.
type OutboundRecord struct {
	// Topic is fixed for the lifetime of the process.
	Topic string
	// Key is the partition key taken from the decoded payload. Never empty.
	Key string
	// Value is the canonical serialization of the decoded payload.
	Value []byte
	// Headers hold bridge metadata (session, sequence). They never alter Value.
	Headers map[string]string
}

// Acknowledgment describes what the broker reported after accepting a record.
// Drivers fill in what their broker exposes; Partition and Offset are -1 when unknown.
type Acknowledgment struct {
	Topic     string
	Partition int32
	Offset    int64
	MessageID string
	Timestamp time.Time
}
