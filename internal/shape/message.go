package shape

import (
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Protocol constants shared by the shape endpoint and its clients.
const (
	// PathPrefix is the route prefix of the shape endpoint.
	PathPrefix = "/v1/shape/"

	// HeaderHandle carries the shape handle of a response.
	HeaderHandle = "Shape-Handle"

	// HeaderOffset carries the offset to request next.
	HeaderOffset = "Shape-Offset"

	// DefaultPageSize is the number of messages requested per response.
	DefaultPageSize = 1000
)

// Operation is the kind of a data change message.
type Operation string

const (
	// OperationInsert adds a row.
	OperationInsert Operation = "insert"
	// OperationUpdate changes some fields of a row.
	OperationUpdate Operation = "update"
	// OperationDelete removes a row.
	OperationDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Control is a stream level signal carried by a control message.
type Control string

const (
	// ControlUpToDate means the snapshot is fully applied and the stream is live.
	ControlUpToDate Control = "up-to-date"
	// ControlMustRefetch means local state must be discarded and refetched.
	ControlMustRefetch Control = "must-refetch"
)

// Offset is a position in a shape's change log.
type Offset int64

// BeforeStart requests a fresh snapshot.
const BeforeStart Offset = -1

// ParseOffset parses the wire form of an offset.
func ParseOffset(s string) (Offset, error) {
	if s == "" {
		return BeforeStart, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < -1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOffset, s)
	}
	return Offset(n), nil
}

func (o Offset) String() string {
	return strconv.FormatInt(int64(o), 10)
}

// MarshalJSON encodes the offset as a string.
func (o Offset) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(o.String())), nil
}

// UnmarshalJSON accepts both string and numeric offsets.
func (o *Offset) UnmarshalJSON(data []byte) error {
	s := string(data)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	parsed, err := ParseOffset(s)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// Cursor marks the position up to which a stream has observed changes.
type Cursor struct {
	// Handle identifies the server-side generation of the shape log.
	Handle string `json:"handle"`

	// Offset is the last observed log offset.
	Offset Offset `json:"offset"`
}

// Initial reports whether the cursor requests a fresh snapshot.
func (c Cursor) Initial() bool {
	return c.Offset == BeforeStart
}

// Headers carries message metadata.
type Headers struct {
	Operation Operation `json:"operation,omitempty"`
	Offset    Offset    `json:"offset,omitempty"`
	Control   Control   `json:"control,omitempty"`
}

// Row is a row value keyed by column name.
type Row map[string]any

// Clone returns a deep copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case Row:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return v
	}
}

// Message is one entry of a shape stream: a data change or a control signal.
type Message struct {
	Key     string  `json:"key,omitempty"`
	Value   Row     `json:"value,omitempty"`
	Headers Headers `json:"headers"`
}

// IsControl reports whether the message is a control message.
func (m Message) IsControl() bool {
	return m.Headers.Control != ""
}

// ControlMessage builds a control message.
func ControlMessage(c Control) Message {
	return Message{Headers: Headers{Control: c}}
}

// Batch is the set of messages decoded from one network frame. A batch with a
// non-nil Err is terminal: no further batches follow.
type Batch struct {
	Messages []Message
	Err      error
}

// DecodeMessages decodes and validates a response body.
func DecodeMessages(data []byte) ([]Message, error) {
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, &SchemaMismatchError{Reason: "response is not a message array", Err: err}
	}
	for i, m := range msgs {
		if m.IsControl() {
			if m.Headers.Control != ControlUpToDate && m.Headers.Control != ControlMustRefetch {
				return nil, &SchemaMismatchError{Reason: fmt.Sprintf("message %d: unknown control %q", i, m.Headers.Control)}
			}
			continue
		}
		if m.Key == "" {
			return nil, &SchemaMismatchError{Reason: fmt.Sprintf("message %d: missing key", i)}
		}
		if !m.Headers.Operation.Valid() {
			return nil, &SchemaMismatchError{Reason: fmt.Sprintf("message %d: unknown operation %q", i, m.Headers.Operation)}
		}
	}
	return msgs, nil
}

// EncodeMessages encodes messages in the wire format.
func EncodeMessages(msgs []Message) ([]byte, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	return json.Marshal(msgs)
}
