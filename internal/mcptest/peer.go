// Package mcptest provides the server side of MCP connections for tests: a Peer that
// reads and writes raw JSON-RPC messages, scripted servers built on it, and an HTTP+SSE
// endpoint.
package mcptest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	mcp "github.com/MegaGrindStone/go-mcp-client"
)

// Peer is the server end of a connection. Tests drive it step by step with Next and
// the reply methods, or hand it to Serve.
type Peer struct {
	t mcp.Transport
}

// NewPeer wraps the server side of an established transport.
func NewPeer(t mcp.Transport) *Peer {
	return &Peer{t: t}
}

// Pipe returns a Peer and a Dialer whose single transport is connected to the Peer
// through in-memory pipes. Dialing a second time fails.
func Pipe(options ...mcp.StreamOption) (*Peer, mcp.Dialer) {
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()

	peer := NewPeer(mcp.NewStreamTransport(c2sR, s2cW, options...))

	var once sync.Once
	dialer := mcp.DialerFunc(func(context.Context) (mcp.Transport, error) {
		var t mcp.Transport
		once.Do(func() {
			t = mcp.NewStreamTransport(s2cR, c2sW, options...)
		})
		if t == nil {
			return nil, &mcp.ConnectionError{Target: "pipe", Err: errors.New("pipe already dialed")}
		}
		return t, nil
	})
	return peer, dialer
}

// Listen accepts connections on l and hands a Peer for each of them to accept until l
// is closed.
func Listen(l net.Listener, accept func(*Peer), options ...mcp.StreamOption) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go accept(NewPeer(mcp.NewStreamTransport(conn, conn, options...)))
	}
}

// Next returns the next message sent by the client.
func (p *Peer) Next(ctx context.Context) (mcp.Message, error) {
	frame, err := p.t.Receive(ctx)
	if err != nil {
		return mcp.Message{}, err
	}
	return mcp.DecodeMessage(frame)
}

// Expect returns the next message sent by the client and fails unless its method is
// method.
func (p *Peer) Expect(ctx context.Context, method string) (mcp.Message, error) {
	msg, err := p.Next(ctx)
	if err != nil {
		return mcp.Message{}, fmt.Errorf("waiting for %s: %w", method, err)
	}
	if msg.Method != method {
		return mcp.Message{}, fmt.Errorf("got method %q, want %q", msg.Method, method)
	}
	return msg, nil
}

// Reply answers the request id with result.
func (p *Peer) Reply(ctx context.Context, id mcp.MessageID, result mcp.Value) error {
	return p.t.Send(ctx, mcp.EncodeResponse(mcp.Response{ID: id, Result: result}))
}

// ReplyError answers the request id with an error response.
func (p *Peer) ReplyError(ctx context.Context, id mcp.MessageID, rpcErr *mcp.JSONRPCError) error {
	return p.t.Send(ctx, mcp.EncodeResponse(mcp.Response{ID: id, Error: rpcErr}))
}

// Notify sends a notification to the client.
func (p *Peer) Notify(ctx context.Context, method string, params mcp.Value) error {
	return p.t.Send(ctx, mcp.EncodeNotification(mcp.Notification{Method: method, Params: params}))
}

// Request sends a request to the client.
func (p *Peer) Request(ctx context.Context, id int64, method string, params mcp.Value) error {
	return p.t.Send(ctx, mcp.EncodeRequest(mcp.Request{ID: id, Method: method, Params: params}))
}

// SendRaw sends frame unchanged.
func (p *Peer) SendRaw(ctx context.Context, frame []byte) error {
	return p.t.Send(ctx, frame)
}

// Handshake answers the client's initialize request with result and waits for the
// initialized notification. It returns the initialize request.
func (p *Peer) Handshake(ctx context.Context, result mcp.InitializeResult) (mcp.Message, error) {
	req, err := p.Expect(ctx, mcp.MethodInitialize)
	if err != nil {
		return mcp.Message{}, err
	}
	v, err := mcp.ValueOf(result)
	if err != nil {
		return mcp.Message{}, err
	}
	if err := p.Reply(ctx, req.ID, v); err != nil {
		return mcp.Message{}, err
	}
	if _, err := p.Expect(ctx, "notifications/initialized"); err != nil {
		return mcp.Message{}, err
	}
	return req, nil
}

// Close hangs up.
func (p *Peer) Close() error {
	return p.t.Close()
}

// DefaultResult is the handshake answer of a server offering tools, resources,
// prompts and logging.
func DefaultResult() mcp.InitializeResult {
	return mcp.InitializeResult{
		ProtocolVersion: mcp.DefaultProtocolVersion,
		ServerInfo:      mcp.Info{Name: "test-server", Version: "1.0.0"},
		Capabilities: mcp.ServerCapabilities{
			Tools:     &mcp.ToolsCapability{ListChanged: true},
			Resources: &mcp.ResourcesCapability{Subscribe: true, ListChanged: true},
			Prompts:   &mcp.PromptsCapability{},
			Logging:   &mcp.LoggingCapability{},
		},
	}
}

// Handler answers one request. A non-nil error is sent as the error response.
type Handler func(ctx context.Context, params mcp.Value) (mcp.Value, *mcp.JSONRPCError)

// Server answers requests with Handlers. Initialize is answered with Result and ping
// with an empty object unless a handler overrides them.
type Server struct {
	Result   mcp.InitializeResult
	Handlers map[string]Handler
	Logger   *slog.Logger

	mu   sync.Mutex
	seen []mcp.Message
}

// NewServer returns a Server answering the handshake with DefaultResult.
func NewServer(handlers map[string]Handler) *Server {
	if handlers == nil {
		handlers = map[string]Handler{}
	}
	return &Server{Result: DefaultResult(), Handlers: handlers}
}

// Seen returns every message the server received so far.
func (s *Server) Seen() []mcp.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mcp.Message(nil), s.seen...)
}

// Notifications returns the received notifications with the given method.
func (s *Server) Notifications(method string) []mcp.Message {
	var out []mcp.Message
	for _, m := range s.Seen() {
		if m.IsNotification() && m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

// Serve answers the client's requests in order until the connection is gone. It
// returns nil once the client hung up.
func (s *Server) Serve(ctx context.Context, p *Peer) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for {
		msg, err := p.Next(ctx)
		if err != nil {
			if errors.Is(err, mcp.ErrTransportClosed) {
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.seen = append(s.seen, msg)
		s.mu.Unlock()

		if !msg.IsRequest() {
			continue
		}

		result, rpcErr := s.handle(ctx, msg)
		if rpcErr != nil {
			err = p.ReplyError(ctx, msg.ID, rpcErr)
		} else {
			err = p.Reply(ctx, msg.ID, result)
		}
		if err != nil {
			logger.Warn("failed to reply", slog.String("method", msg.Method), slog.String("err", err.Error()))
			if errors.Is(err, mcp.ErrTransportClosed) || errors.Is(err, mcp.ErrIO) {
				return nil
			}
			return err
		}
	}
}

func (s *Server) handle(ctx context.Context, msg mcp.Message) (mcp.Value, *mcp.JSONRPCError) {
	if h, ok := s.Handlers[msg.Method]; ok {
		return h(ctx, msg.Params)
	}

	switch msg.Method {
	case mcp.MethodInitialize:
		v, err := mcp.ValueOf(s.Result)
		if err != nil {
			return mcp.Value{}, &mcp.JSONRPCError{Code: -32603, Message: err.Error()}
		}
		return v, nil
	case mcp.MethodPing:
		return mcp.Object(), nil
	}
	return mcp.Value{}, &mcp.JSONRPCError{Code: -32601, Message: "Method not found"}
}
