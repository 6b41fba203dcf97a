// Package wire implements the tap protocol: line-delimited JSON messages of
// type SCHEMA, RECORD, STATE and ACTIVATE_VERSION written to a downstream
// consumer. Every strategy writes through the Emitter interface rather than
// a process-global sink, so tests can inject a capturing emitter and
// production wires up a JSONLineEmitter over stdout.
package wire

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// MessageType discriminates the four tap protocol message kinds.
type MessageType string

const (
	TypeSchema          MessageType = "SCHEMA"
	TypeRecord          MessageType = "RECORD"
	TypeState           MessageType = "STATE"
	TypeActivateVersion MessageType = "ACTIVATE_VERSION"
)

// SchemaMessage announces a stream's JSON Schema and key properties. A
// RECORD for a stream must never be emitted before its SCHEMA.
type SchemaMessage struct {
	Type               MessageType            `json:"type"`
	Stream             string                  `json:"stream"`
	Schema             map[string]interface{}  `json:"schema"`
	KeyProperties      []string                `json:"key_properties"`
	BookmarkProperties []string                `json:"bookmark_properties,omitempty"`
}

// RecordMessage carries one row.
type RecordMessage struct {
	Type          MessageType            `json:"type"`
	Stream        string                  `json:"stream"`
	Record        map[string]interface{} `json:"record"`
	Version       *int64                  `json:"version,omitempty"`
	TimeExtracted string                  `json:"time_extracted"`
}

// StateValue is the payload of a STATE message: the full bookmark map plus
// an optional marker of the stream currently being synced.
type StateValue struct {
	Bookmarks        map[string]map[string]interface{} `json:"bookmarks"`
	CurrentlySyncing *string                            `json:"currently_syncing"`
}

// StateMessage reflects exactly the set of records emitted before it.
type StateMessage struct {
	Type  MessageType `json:"type"`
	Value StateValue  `json:"value"`
}

// ActivateVersionMessage instructs the consumer that all records bearing
// this version replace any prior version of the stream.
type ActivateVersionMessage struct {
	Type    MessageType `json:"type"`
	Stream  string      `json:"stream"`
	Version int64       `json:"version"`
}

// Emitter is the sink every strategy writes tap-protocol messages to. It
// replaces the original tap's global `singer.write_message` function with an
// explicit dependency, matching the teacher's own messageOutput interface.
type Emitter interface {
	EmitSchema(msg SchemaMessage) error
	EmitRecord(msg RecordMessage) error
	EmitState(msg StateMessage) error
	EmitActivateVersion(msg ActivateVersionMessage) error
}

// JSONLineEmitter writes one JSON object per line to an io.Writer, normally
// os.Stdout. It is the production Emitter.
type JSONLineEmitter struct {
	enc *json.Encoder
}

// NewJSONLineEmitter wraps w in a line-delimited JSON emitter.
func NewJSONLineEmitter(w io.Writer) *JSONLineEmitter {
	return &JSONLineEmitter{enc: json.NewEncoder(w)}
}

func (e *JSONLineEmitter) EmitSchema(msg SchemaMessage) error {
	msg.Type = TypeSchema
	if err := e.enc.Encode(msg); err != nil {
		return fmt.Errorf("emitting SCHEMA for %q: %w", msg.Stream, err)
	}
	return nil
}

func (e *JSONLineEmitter) EmitRecord(msg RecordMessage) error {
	msg.Type = TypeRecord
	if err := e.enc.Encode(msg); err != nil {
		return fmt.Errorf("emitting RECORD for %q: %w", msg.Stream, err)
	}
	return nil
}

func (e *JSONLineEmitter) EmitState(msg StateMessage) error {
	msg.Type = TypeState
	if err := e.enc.Encode(msg); err != nil {
		return fmt.Errorf("emitting STATE: %w", err)
	}
	return nil
}

func (e *JSONLineEmitter) EmitActivateVersion(msg ActivateVersionMessage) error {
	msg.Type = TypeActivateVersion
	if err := e.enc.Encode(msg); err != nil {
		return fmt.Errorf("emitting ACTIVATE_VERSION for %q: %w", msg.Stream, err)
	}
	return nil
}

// TimeExtractedNow formats the current time the way the tap protocol
// expects for RecordMessage.TimeExtracted: RFC3339 with nanosecond precision.
func TimeExtractedNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
