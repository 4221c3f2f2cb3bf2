package mcptest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	mcp "github.com/MegaGrindStone/go-mcp-client"
)

// SSEServer serves the HTTP+SSE transport. GET on the stream handler opens a session
// and announces its message endpoint; POSTs to the message handler are routed to the
// session named by the sessionID query parameter. Every session is handed out as a
// Peer by Accept.
type SSEServer struct {
	messagePath string
	logger      *slog.Logger

	peers chan *Peer

	mu       sync.Mutex
	sessions map[string]*sseServerTransport
}

type sseServerTransport struct {
	sess   *sse.Session
	logger *slog.Logger

	sendMu   sync.Mutex
	received chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

var jsonMediaType = contenttype.NewMediaType("application/json")

// NewSSEServer returns a server whose endpoint events point at messagePath.
func NewSSEServer(messagePath string, logger *slog.Logger) *SSEServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEServer{
		messagePath: messagePath,
		logger:      logger,
		peers:       make(chan *Peer, 1),
		sessions:    make(map[string]*sseServerTransport),
	}
}

// Accept returns the Peer of the next session.
func (s *SSEServer) Accept(ctx context.Context) (*Peer, error) {
	select {
	case p := <-s.peers:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleSSE upgrades GET requests to event streams. The request is held open until
// the session is closed or the client goes away.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			s.logger.Error("failed to upgrade session", "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		// Use the type "endpoint" to indicate the endpoint URL.
		msg := sse.Message{Type: sse.Type("endpoint")}
		msg.AppendData(fmt.Sprintf("%s?sessionID=%s", s.messagePath, sessID))
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write endpoint", "err", err)
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush endpoint", "err", err)
			return
		}

		t := &sseServerTransport{
			sess:     sess,
			logger:   s.logger.With(slog.String("session_id", sessID)),
			received: make(chan []byte, 8),
			done:     make(chan struct{}),
		}
		s.mu.Lock()
		s.sessions[sessID] = t
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sessID)
			s.mu.Unlock()
		}()

		select {
		case s.peers <- NewPeer(t):
		case <-r.Context().Done():
			return
		}

		select {
		case <-t.done:
		case <-r.Context().Done():
			_ = t.Close()
		}
	})
}

// HandleMessage accepts POSTed JSON-RPC messages.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
			return
		}

		sessID := r.URL.Query().Get("sessionID")
		s.mu.Lock()
		t, ok := s.sessions[sessID]
		s.mu.Unlock()
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		select {
		case t.received <- body:
			w.WriteHeader(http.StatusAccepted)
		case <-t.done:
			http.Error(w, "session closed", http.StatusGone)
		case <-r.Context().Done():
		}
	})
}

func (t *sseServerTransport) Send(_ context.Context, frame []byte) error {
	msg := &sse.Message{Type: sse.Type("message")}
	msg.AppendData(string(frame))

	// The response writer is only valid while the stream handler runs, which ends
	// after Close.
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	select {
	case <-t.done:
		return mcp.ErrTransportClosed
	default:
	}
	if err := t.sess.Send(msg); err != nil {
		return fmt.Errorf("%w: %w", mcp.ErrIO, err)
	}
	if err := t.sess.Flush(); err != nil {
		return fmt.Errorf("%w: %w", mcp.ErrIO, err)
	}
	return nil
}

func (t *sseServerTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.received:
		return frame, nil
	case <-t.done:
		return nil, mcp.ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *sseServerTransport) Close() error {
	t.closeOnce.Do(func() {
		t.sendMu.Lock()
		close(t.done)
		t.sendMu.Unlock()
	})
	return nil
}
