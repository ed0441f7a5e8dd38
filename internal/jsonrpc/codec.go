package jsonrpc

// codec.go — Content-Length framing: encode one message, extract messages
// from a growing receive buffer.

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const contentLengthHeader = "Content-Length"

var (
	headerSeparator     = []byte("\r\n\r\n")
	contentLengthPrefix = []byte(contentLengthHeader + ":")
)

// Encode serializes msg as one frame: a Content-Length header carrying the
// byte length of the compact JSON body, a blank line, then the body.
func Encode(msg *Message) ([]byte, error) {
	w, err := msg.wire()
	if err != nil {
		return nil, err
	}
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(w); err != nil {
		return nil, fmt.Errorf("jsonrpc: marshal %s: %w", msg.Kind, err)
	}
	data := bytes.TrimSuffix(body.Bytes(), []byte("\n"))

	frame := make([]byte, 0, len(contentLengthHeader)+24+len(data))
	frame = append(frame, contentLengthHeader+": "...)
	frame = strconv.AppendInt(frame, int64(len(data)), 10)
	frame = append(frame, headerSeparator...)
	frame = append(frame, data...)
	return frame, nil
}

// TryExtractOne decodes the first frame in buf.
//
// It returns (nil, buf, nil) when buf does not yet hold a complete frame;
// the header is left in place and parsed again once more bytes arrive.
// On success it returns the message and the bytes after the frame.
//
// A malformed header or body yields a *ProtocolError, and the remainder
// then starts at the next Content-Length header, so stray bytes and
// frames with a wrong length are skipped as one error and extraction
// resumes at the following frame.
func TryExtractOne(buf []byte) (*Message, []byte, error) {
	end := bytes.Index(buf, headerSeparator)
	if end < 0 {
		return nil, buf, nil
	}
	header := buf[:end]
	bodyStart := end + len(headerSeparator)

	length, err := parseHeader(header)
	if err != nil {
		rest := resync(buf, 1)
		return nil, rest, &ProtocolError{Err: err, Header: string(header), Skipped: len(buf) - len(rest)}
	}
	if len(buf)-bodyStart < length {
		return nil, buf, nil
	}

	body := buf[bodyStart : bodyStart+length]
	rest := buf[bodyStart+length:]
	msg, err := Decode(body)
	if err != nil {
		// A wrong length leaves the next header inside or after body.
		if i := bytes.Index(buf[bodyStart:], contentLengthPrefix); i >= 0 {
			rest = buf[bodyStart+i:]
		}
		return nil, rest, &ProtocolError{Err: err, Body: bytes.Clone(body), Skipped: len(buf) - len(rest)}
	}
	return msg, rest, nil
}

// resync returns buf from the first Content-Length header at or after
// from. With none in sight it keeps only a tail that may still grow into
// one.
func resync(buf []byte, from int) []byte {
	if i := bytes.Index(buf[from:], contentLengthPrefix); i >= 0 {
		return buf[from+i:]
	}
	for k := min(len(contentLengthPrefix)-1, len(buf)-from); k > 0; k-- {
		if bytes.HasPrefix(contentLengthPrefix, buf[len(buf)-k:]) {
			return buf[len(buf)-k:]
		}
	}
	return buf[len(buf):]
}

// parseHeader returns the Content-Length declared in a header block.
// Headers other than Content-Length are ignored.
func parseHeader(header []byte) (int, error) {
	length := -1
	for _, line := range strings.Split(string(header), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return 0, fmt.Errorf("malformed header line %q", line)
		}
		if name != contentLengthHeader {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid Content-Length %q", strings.TrimSpace(value))
		}
		length = n
	}
	if length < 0 {
		return 0, errors.New("missing Content-Length header")
	}
	return length, nil
}

// Decode classifies a single JSON body. A body with an id and a method is a
// Request, an id without a method is a Response, and anything without an id
// is a Notification.
func Decode(body []byte) (*Message, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid JSON")
	}
	if !gjson.ParseBytes(body).IsObject() {
		return nil, errors.New("message is not a JSON object")
	}
	fields := gjson.GetManyBytes(body, "id", "method", "params", "result", "error")
	id, method, params, result, rpcErr := fields[0], fields[1], fields[2], fields[3], fields[4]

	msg := &Message{}
	hasID := id.Exists() && id.Type != gjson.Null
	if hasID {
		if err := json.Unmarshal([]byte(id.Raw), &msg.ID); err != nil {
			return nil, err
		}
	}
	if method.Exists() {
		if method.Type != gjson.String {
			return nil, fmt.Errorf("method is %s, not a string", method.Type)
		}
		msg.Method = method.String()
	}
	if params.Exists() {
		msg.Params = json.RawMessage(params.Raw)
	}

	switch {
	case hasID && method.Exists():
		msg.Kind = KindRequest
	case hasID:
		msg.Kind = KindResponse
		if result.Exists() {
			msg.Result = json.RawMessage(result.Raw)
		}
		if rpcErr.Exists() && rpcErr.Type != gjson.Null {
			msg.Error = &Error{}
			if err := json.Unmarshal([]byte(rpcErr.Raw), msg.Error); err != nil {
				return nil, fmt.Errorf("decode error object: %w", err)
			}
		}
	default:
		msg.Kind = KindNotification
	}
	return msg, nil
}
