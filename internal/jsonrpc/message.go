package jsonrpc

// message.go — JSON-RPC 2.0 message model: requests, notifications, responses.

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const version = "2.0"

// Kind classifies a decoded message.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// ID is a request id. Ids allocated by Client are always numeric; a
// backend may use strings for the requests it initiates.
type ID struct {
	Num      int64
	Str      string
	IsString bool
}

// NumberID returns a numeric id.
func NumberID(n int64) ID { return ID{Num: n} }

// StringID returns a string id.
func StringID(s string) ID { return ID{Str: s, IsString: true} }

func (id ID) String() string {
	if id.IsString {
		return strconv.Quote(id.Str)
	}
	return strconv.FormatInt(id.Num, 10)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsString {
		return json.Marshal(id.Str)
	}
	return strconv.AppendInt(nil, id.Num, 10), nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		id.IsString = true
		return json.Unmarshal(data, &id.Str)
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = ID{Num: n}
	return nil
}

// Message is one decoded frame. Params and Result hold the raw JSON so the
// transport never interprets method payloads.
type Message struct {
	Kind   Kind
	ID     ID // zero for notifications
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// wireMessage is the encoded envelope. Field order fixes the byte layout.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func (m *Message) wire() (*wireMessage, error) {
	w := &wireMessage{JSONRPC: version}
	switch m.Kind {
	case KindRequest:
		id := m.ID
		w.ID, w.Method, w.Params = &id, m.Method, m.Params
	case KindNotification:
		w.Method, w.Params = m.Method, m.Params
	case KindResponse:
		id := m.ID
		w.ID = &id
		if m.Error != nil {
			w.Error = m.Error
		} else if len(m.Result) == 0 {
			w.Result = json.RawMessage("null")
		} else {
			w.Result = m.Result
		}
	default:
		return nil, fmt.Errorf("jsonrpc: cannot encode message of %s", m.Kind)
	}
	return w, nil
}

// NewRequest builds a request with a numeric id.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Kind: KindRequest, ID: NumberID(id), Method: method, Params: raw}, nil
}

// NewNotification builds a notification.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Kind: KindNotification, Method: method, Params: raw}, nil
}

// NewResponse builds a successful response. A nil result encodes as null.
func NewResponse(id ID, result any) (*Message, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return nil, err
	}
	return &Message{Kind: KindResponse, ID: id, Result: raw}, nil
}

// NewErrorResponse builds a response carrying an application error.
func NewErrorResponse(id ID, rpcErr *Error) *Message {
	return &Message{Kind: KindResponse, ID: id, Error: rpcErr}
}

func marshalParams(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}
