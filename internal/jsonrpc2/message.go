// Package jsonrpc2 implements the wire-level JSON-RPC 2.0 envelope (the
// "message codec", spec §4.1) and a symmetric, bidirectional dispatcher
// (the substrate for the protocol engine, spec §4.3) on top of it.
//
// Unlike a typical client/server RPC library, neither end of a Conn is
// privileged: either side may issue a Call and receive a Request in
// return, which is what lets the MCP engine built on top of this package
// interleave server-initiated sampling/elicitation/roots requests with an
// in-flight client call.
package jsonrpc2

import (
	"fmt"
	"strconv"

	"github.com/mcprt/corerpc/internal/json"
)

// protocolVersion is the literal value every envelope's "jsonrpc" field
// must carry.
const protocolVersion = "2.0"

// ID is a JSON-RPC request identifier: either a string or a number. The
// zero ID is invalid; use IsValid to distinguish "no id" from the actual
// zero values.
type ID struct {
	name   string
	number int64
	isNum  bool
	valid  bool
}

// StringID returns an ID with a string value.
func StringID(s string) ID { return ID{name: s, valid: true} }

// Int64ID returns an ID with a numeric value.
func Int64ID(n int64) ID { return ID{number: n, isNum: true, valid: true} }

// IsValid reports whether the ID was actually set (as opposed to the zero
// ID, which denotes "no id", e.g. on a notification).
func (id ID) IsValid() bool { return id.valid }

// Raw returns the ID's underlying value: a string, an int64, or nil.
func (id ID) Raw() any {
	switch {
	case !id.valid:
		return nil
	case id.isNum:
		return id.number
	default:
		return id.name
	}
}

func (id ID) String() string {
	if !id.valid {
		return "<invalid>"
	}
	if id.isNum {
		return strconv.FormatInt(id.number, 10)
	}
	return strconv.Quote(id.name)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if !id.valid {
		return []byte("null"), nil
	}
	if id.isNum {
		return json.Marshal(id.number)
	}
	return json.Marshal(id.name)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*id = ID{}
	case string:
		*id = StringID(v)
	case float64:
		*id = Int64ID(int64(v))
	default:
		return fmt.Errorf("jsonrpc2: invalid id type %T", raw)
	}
	return nil
}

// Message is the interface shared by every classified envelope kind.
type Message interface {
	isMessage()
}

// Request is an inbound or outbound JSON-RPC request.
type Request struct {
	ID     ID
	Method string
	Params json.RawMessage
}

func (*Request) isMessage() {}

// Notification is a request with no ID: no response is possible.
type Notification struct {
	Method string
	Params json.RawMessage
}

func (*Notification) isMessage() {}

// Response is a successful or failed reply to a Request, discriminated by
// whether Error is non-nil.
type Response struct {
	ID     ID
	Result json.RawMessage
	Error  *Error
}

func (*Response) isMessage() {}

// wireEnvelope is the superset struct used to parse/serialize any message
// kind; Classify inspects it to decide which concrete type to build.
type wireEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Classify parses data into one of *Request, *Notification, *Response, or
// returns an error if the envelope is invalid (missing/wrong "jsonrpc",
// or neither a method nor a result/error present).
//
// On success, callers can type-switch on the returned Message.
func Classify(data []byte) (Message, error) {
	var env wireEnvelope
	if err := StrictUnmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if env.JSONRPC != protocolVersion {
		return nil, fmt.Errorf("%w: missing or invalid \"jsonrpc\" field", ErrInvalidRequest)
	}
	switch {
	case env.Method != "" && env.ID != nil:
		return &Request{ID: *env.ID, Method: env.Method, Params: env.Params}, nil
	case env.Method != "":
		return &Notification{Method: env.Method, Params: env.Params}, nil
	case env.ID != nil && (env.Result != nil || env.Error != nil):
		return &Response{ID: *env.ID, Result: env.Result, Error: env.Error}, nil
	default:
		return nil, fmt.Errorf("%w: message is neither a request, notification, nor response", ErrInvalidRequest)
	}
}

// Encode serializes a Message to its wire form.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Request:
		id := m.ID
		return json.Marshal(&wireEnvelope{JSONRPC: protocolVersion, ID: &id, Method: m.Method, Params: m.Params})
	case *Notification:
		return json.Marshal(&wireEnvelope{JSONRPC: protocolVersion, Method: m.Method, Params: m.Params})
	case *Response:
		id := m.ID
		return json.Marshal(&wireEnvelope{JSONRPC: protocolVersion, ID: &id, Result: m.Result, Error: m.Error})
	default:
		return nil, fmt.Errorf("jsonrpc2: unknown message type %T", msg)
	}
}

// ReadBatch splits data (a single JSON value or a JSON array of values)
// into individual Messages. An array element that fails to classify is
// left out of msgs and its error is appended to errs instead, so the two
// slices are not aligned by index.
func ReadBatch(data json.RawMessage) (msgs []Message, errs []error, err error) {
	trimmed := trimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil, fmt.Errorf("%w: empty body", ErrInvalidRequest)
	}
	if trimmed[0] == '[' {
		var raw []json.RawMessage
		if jerr := json.Unmarshal(trimmed, &raw); jerr != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrParse, jerr)
		}
		for _, one := range raw {
			m, cerr := Classify(one)
			if cerr != nil {
				errs = append(errs, cerr)
				continue
			}
			msgs = append(msgs, m)
		}
		return msgs, errs, nil
	}
	m, cerr := Classify(trimmed)
	if cerr != nil {
		return nil, nil, cerr
	}
	return []Message{m}, nil, nil
}

func trimSpace(b []byte) []byte {
	i, j := 0, len(b)
	for i < j && isSpace(b[i]) {
		i++
	}
	for j > i && isSpace(b[j-1]) {
		j--
	}
	return b[i:j]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
