package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Message is a decoded JSON-RPC 2.0 message. Exactly one of the following holds:
//   - a request: Method and ID are set
//   - a notification: Method is set, ID is zero
//   - a response: Method is empty, and Error is set or Result holds the result
type Message struct {
	ID     MessageID
	Method string
	Params Value
	Result Value
	Error  *JSONRPCError
}

// Framing selects how JSON-RPC payloads are delimited on a byte stream.
type Framing int

const (
	// FramingNewline writes one JSON document per line. This is the MCP stdio framing.
	FramingNewline Framing = iota
	// FramingContentLength prefixes each payload with a "Content-Length: N" header block.
	FramingContentLength
)

// FrameReader splits a byte stream into frames. Incomplete input is kept in an internal
// buffer until the rest of the frame arrives, so a frame split across many reads is
// returned whole.
type FrameReader struct {
	r       io.Reader
	framing Framing
	buf     []byte
	chunk   []byte
	err     error
}

const (
	frameReadChunk      = 32 * 1024
	contentLengthHeader = "content-length"
)

var headerTerminator = []byte("\r\n\r\n")

// IsRequest reports whether m expects a response.
func (m Message) IsRequest() bool { return m.Method != "" && !m.ID.IsZero() }

// IsNotification reports whether m is a notification.
func (m Message) IsNotification() bool { return m.Method != "" && m.ID.IsZero() }

// IsResponse reports whether m answers a request.
func (m Message) IsResponse() bool { return m.Method == "" }

// Response returns m as a Response.
func (m Message) Response() Response {
	return Response{ID: m.ID, Result: m.Result, Error: m.Error}
}

// EncodeRequest serializes r as a JSON-RPC request.
func EncodeRequest(r Request) []byte {
	members := []Member{
		Field("jsonrpc", String(JSONRPCVersion)),
		Field("id", Int(r.ID)),
		Field("method", String(r.Method)),
	}
	if !r.Params.IsNull() {
		members = append(members, Field("params", r.Params))
	}
	return encodeObject(members)
}

// EncodeNotification serializes n as a JSON-RPC notification.
func EncodeNotification(n Notification) []byte {
	members := []Member{
		Field("jsonrpc", String(JSONRPCVersion)),
		Field("method", String(n.Method)),
	}
	if !n.Params.IsNull() {
		members = append(members, Field("params", n.Params))
	}
	return encodeObject(members)
}

// EncodeResponse serializes r as a JSON-RPC response. A nil Error means success; a null
// Result is sent as null.
func EncodeResponse(r Response) []byte {
	members := []Member{
		Field("jsonrpc", String(JSONRPCVersion)),
		Field("id", idValue(r.ID)),
	}
	if r.Error != nil {
		errMembers := []Member{
			Field("code", Int(int64(r.Error.Code))),
			Field("message", String(r.Error.Message)),
		}
		if !r.Error.Data.IsNull() {
			errMembers = append(errMembers, Field("data", r.Error.Data))
		}
		members = append(members, Field("error", Object(errMembers...)))
	} else {
		members = append(members, Field("result", r.Result))
	}
	return encodeObject(members)
}

// DecodeMessage parses a single JSON-RPC message. Anything that is not a well-formed
// JSON-RPC 2.0 request, notification or response is reported as a *ProtocolError.
func DecodeMessage(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Message{}, newProtocolError(data, fmt.Errorf("failed to unmarshal message: %w", err))
	}

	var version string
	if raw, ok := fields["jsonrpc"]; !ok {
		return Message{}, newProtocolError(data, errors.New("missing jsonrpc version"))
	} else if err := json.Unmarshal(raw, &version); err != nil || version != JSONRPCVersion {
		return Message{}, newProtocolError(data, fmt.Errorf("invalid jsonrpc version %s", raw))
	}

	var msg Message
	rawID, hasID := fields["id"]
	if hasID {
		if err := json.Unmarshal(rawID, &msg.ID); err != nil {
			return Message{}, newProtocolError(data, fmt.Errorf("invalid id: %w", err))
		}
	}

	if raw, ok := fields["method"]; ok {
		if err := json.Unmarshal(raw, &msg.Method); err != nil || msg.Method == "" {
			return Message{}, newProtocolError(data, fmt.Errorf("invalid method %s", raw))
		}
		if raw, ok := fields["params"]; ok {
			params, err := ParseValue(raw)
			if err != nil {
				return Message{}, newProtocolError(data, fmt.Errorf("invalid params: %w", err))
			}
			msg.Params = params
		}
		return msg, nil
	}

	if !hasID {
		return Message{}, newProtocolError(data, errors.New("message has neither method nor id"))
	}

	rawResult, hasResult := fields["result"]
	rawErr, hasErr := fields["error"]
	switch {
	case hasResult && hasErr:
		return Message{}, newProtocolError(data, errors.New("response has both result and error"))
	case hasResult:
		result, err := ParseValue(rawResult)
		if err != nil {
			return Message{}, newProtocolError(data, fmt.Errorf("invalid result: %w", err))
		}
		msg.Result = result
	case hasErr:
		var rpcErr JSONRPCError
		if err := json.Unmarshal(rawErr, &rpcErr); err != nil {
			return Message{}, newProtocolError(data, fmt.Errorf("invalid error object: %w", err))
		}
		msg.Error = &rpcErr
	default:
		return Message{}, newProtocolError(data, errors.New("response has neither result nor error"))
	}
	return msg, nil
}

// DecodeRequest parses data and requires it to be a request with a numeric id.
func DecodeRequest(data []byte) (Request, error) {
	msg, err := DecodeMessage(data)
	if err != nil {
		return Request{}, err
	}
	id, ok := msg.ID.Int()
	if !msg.IsRequest() || !ok {
		return Request{}, newProtocolError(data, errors.New("not a request with a numeric id"))
	}
	return Request{ID: id, Method: msg.Method, Params: msg.Params}, nil
}

// DecodeResponse parses data and requires it to be a response.
func DecodeResponse(data []byte) (Response, error) {
	msg, err := DecodeMessage(data)
	if err != nil {
		return Response{}, err
	}
	if !msg.IsResponse() {
		return Response{}, newProtocolError(data, fmt.Errorf("expected a response, got method %q", msg.Method))
	}
	return msg.Response(), nil
}

// ParseFraming converts "newline" or "content-length" into a Framing.
func ParseFraming(s string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "newline", "line":
		return FramingNewline, nil
	case "content-length", "contentlength", "header":
		return FramingContentLength, nil
	default:
		return 0, fmt.Errorf("unknown framing %q", s)
	}
}

func (f Framing) String() string {
	switch f {
	case FramingNewline:
		return "newline"
	case FramingContentLength:
		return "content-length"
	default:
		return "framing(" + strconv.Itoa(int(f)) + ")"
	}
}

// AppendFrame appends payload to dst framed with f.
func AppendFrame(dst []byte, f Framing, payload []byte) []byte {
	if f == FramingContentLength {
		dst = append(dst, "Content-Length: "...)
		dst = strconv.AppendInt(dst, int64(len(payload)), 10)
		dst = append(dst, headerTerminator...)
		return append(dst, payload...)
	}
	dst = append(dst, payload...)
	return append(dst, '\n')
}

// NewFrameReader returns a FrameReader reading frames from r.
func NewFrameReader(r io.Reader, f Framing) *FrameReader {
	return &FrameReader{
		r:       r,
		framing: f,
		chunk:   make([]byte, frameReadChunk),
	}
}

// Next returns the next complete frame. It returns io.EOF when the stream ends on a
// frame boundary and io.ErrUnexpectedEOF when it ends inside a frame. A malformed
// Content-Length header is reported as a *ProtocolError. The returned slice is owned by
// the caller.
func (fr *FrameReader) Next() ([]byte, error) {
	for {
		frame, ok, err := fr.extract()
		if err != nil {
			return nil, err
		}
		if ok {
			return frame, nil
		}

		if fr.err != nil {
			if errors.Is(fr.err, io.EOF) && len(bytes.TrimSpace(fr.buf)) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, fr.err
		}

		n, err := fr.r.Read(fr.chunk)
		fr.buf = append(fr.buf, fr.chunk[:n]...)
		if err != nil {
			fr.err = err
		}
	}
}

// Buffered returns the number of bytes read from the stream that are not yet part of a
// returned frame.
func (fr *FrameReader) Buffered() int { return len(fr.buf) }

func (fr *FrameReader) extract() ([]byte, bool, error) {
	if fr.framing == FramingContentLength {
		return fr.extractContentLength()
	}
	return fr.extractLine()
}

func (fr *FrameReader) extractLine() ([]byte, bool, error) {
	for {
		i := bytes.IndexByte(fr.buf, '\n')
		if i < 0 {
			return nil, false, nil
		}
		line := bytes.TrimSpace(fr.buf[:i])
		frame := append([]byte(nil), line...)
		fr.consume(i + 1)
		// Blank lines between messages are tolerated.
		if len(frame) > 0 {
			return frame, true, nil
		}
	}
}

func (fr *FrameReader) extractContentLength() ([]byte, bool, error) {
	end := bytes.Index(fr.buf, headerTerminator)
	if end < 0 {
		return nil, false, nil
	}

	length := -1
	for _, line := range strings.Split(string(fr.buf[:end]), "\r\n") {
		name, value, found := strings.Cut(line, ":")
		if !found {
			if strings.TrimSpace(line) == "" {
				continue
			}
			return nil, false, newProtocolError(fr.buf[:end], fmt.Errorf("invalid header line %q", line))
		}
		if strings.ToLower(strings.TrimSpace(name)) != contentLengthHeader {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return nil, false, newProtocolError(fr.buf[:end], fmt.Errorf("invalid content length %q", value))
		}
		length = n
	}
	if length < 0 {
		return nil, false, newProtocolError(fr.buf[:end], errors.New("missing Content-Length header"))
	}

	start := end + len(headerTerminator)
	if len(fr.buf)-start < length {
		return nil, false, nil
	}
	frame := append([]byte(nil), fr.buf[start:start+length]...)
	fr.consume(start + length)
	return frame, true, nil
}

func (fr *FrameReader) consume(n int) {
	rest := copy(fr.buf, fr.buf[n:])
	fr.buf = fr.buf[:rest]
}

func encodeObject(members []Member) []byte {
	// Value.MarshalJSON never fails.
	bs, _ := Object(members...).MarshalJSON()
	return bs
}

func idValue(id MessageID) Value {
	switch {
	case id.IsZero():
		return Null()
	case id.isStr:
		return String(id.str)
	default:
		return Int(id.num)
	}
}
