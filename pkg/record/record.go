package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"

	"github.com/illmade-knight/go-wsbridge/pkg/types"
)

// Header names attached to every outbound record.
const (
	HeaderSessionID = "bridge-session-id"
	HeaderSequence  = "bridge-sequence"
)

// DefaultKeyField is the payload field used as the partition key when none is configured.
const DefaultKeyField = "s"

// Event is a decoded inbound frame: a JSON object keyed by field name.
// Numbers are held as json.Number so that they serialize back unchanged.
type Event map[string]any

// Decode parses a raw frame into an Event. The frame must hold exactly one JSON object
// encoded as valid UTF-8.
func Decode(raw []byte) (Event, error) {
	// encoding/json would substitute U+FFFD for invalid bytes and change the value.
	if !utf8.Valid(raw) {
		return nil, errors.Join(types.ErrMalformedPayload, fmt.Errorf("payload is not valid UTF-8"))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return nil, errors.Join(types.ErrMalformedPayload, err)
	}
	// "null" decodes without error into a nil map.
	if ev == nil {
		return nil, errors.Join(types.ErrMalformedPayload, fmt.Errorf("payload is not a JSON object"))
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.Join(types.ErrMalformedPayload, fmt.Errorf("unexpected data after JSON object"))
	}
	return ev, nil
}

// Marshal returns the canonical serialization of ev: compact JSON, object keys sorted,
// no HTML escaping.
func Marshal(ev Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Encoder turns decoded events into records for one fixed topic.
type Encoder struct {
	topic    string
	keyField string
}

// NewEncoder creates an Encoder. An empty keyField falls back to DefaultKeyField.
func NewEncoder(topic, keyField string) (*Encoder, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	if keyField == "" {
		keyField = DefaultKeyField
	}
	return &Encoder{topic: topic, keyField: keyField}, nil
}

// Topic returns the destination topic of every record this Encoder builds.
func (e *Encoder) Topic() string {
	return e.topic
}

// KeyField returns the payload field used as the partition key.
func (e *Encoder) KeyField() string {
	return e.keyField
}

// Key extracts the partition key from ev. String and numeric values are accepted.
func (e *Encoder) Key(ev Event) (string, error) {
	raw, ok := ev[e.keyField]
	if !ok {
		return "", errors.Join(types.ErrMissingKeyField, fmt.Errorf("field %q is absent", e.keyField))
	}
	var key string
	switch v := raw.(type) {
	case string:
		key = v
	case json.Number:
		key = v.String()
	default:
		return "", errors.Join(types.ErrMissingKeyField, fmt.Errorf("field %q holds %T, want string", e.keyField, raw))
	}
	if key == "" {
		return "", errors.Join(types.ErrMissingKeyField, fmt.Errorf("field %q is empty", e.keyField))
	}
	return key, nil
}

// Encode builds the outbound record for ev. msg and sessionID only feed the headers.
func (e *Encoder) Encode(ev Event, msg types.InboundMessage, sessionID string) (types.OutboundRecord, error) {
	key, err := e.Key(ev)
	if err != nil {
		return types.OutboundRecord{}, err
	}
	value, err := Marshal(ev)
	if err != nil {
		return types.OutboundRecord{}, errors.Join(types.ErrMalformedPayload, err)
	}

	headers := map[string]string{
		HeaderSequence: strconv.FormatUint(msg.Seq, 10),
	}
	if sessionID != "" {
		headers[HeaderSessionID] = sessionID
	}

	return types.OutboundRecord{
		Topic:   e.topic,
		Key:     key,
		Value:   value,
		Headers: headers,
	}, nil
}
