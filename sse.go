package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/tmaxmax/go-sse"
)

// SSEDialer connects to a server speaking the HTTP+SSE transport: the client opens a
// long-lived event stream with GET, the server names a message endpoint with an
// "endpoint" event, and from then on the client POSTs frames to that endpoint and
// receives frames as "message" events.
type SSEDialer struct {
	URL        string
	HTTPClient *http.Client
	// MaxPayloadSize limits the size of a single event. Zero uses the go-sse default.
	MaxPayloadSize int
	Logger         *slog.Logger
}

type sseTransport struct {
	httpClient *http.Client
	endpoint   string
	logger     *slog.Logger

	body     io.ReadCloser
	cancel   context.CancelFunc
	incoming chan []byte
	readErr  error

	done       chan struct{}
	readClosed chan struct{}
	closeOnce  sync.Once
}

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

// NewSSE returns an SSEDialer for connectURL. If httpClient is nil, http.DefaultClient
// is used.
func NewSSE(connectURL string, httpClient *http.Client) *SSEDialer {
	return &SSEDialer{
		URL:        connectURL,
		HTTPClient: httpClient,
	}
}

// Dial opens the event stream and waits for the server to announce its message
// endpoint.
func (d *SSEDialer) Dial(ctx context.Context) (Transport, error) {
	cli := d.HTTPClient
	if cli == nil {
		cli = http.DefaultClient
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("url", d.URL))

	base, err := url.Parse(d.URL)
	if err != nil {
		return nil, &ConnectionError{Target: d.URL, Err: fmt.Errorf("failed to parse url: %w", err)}
	}

	// The stream lives until Close, not until ctx is done.
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, d.URL, nil)
	if err != nil {
		cancel()
		return nil, &ConnectionError{Target: d.URL, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", eventStreamMediaType.String())

	resp, err := cli.Do(req)
	if err != nil {
		cancel()
		return nil, &ConnectionError{Target: d.URL, Err: fmt.Errorf("failed to connect to SSE server: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &ConnectionError{Target: d.URL, Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}
	if ct := contenttype.NewMediaType(resp.Header.Get("Content-Type")); !ct.Matches(eventStreamMediaType) {
		resp.Body.Close()
		cancel()
		return nil, &ConnectionError{Target: d.URL, Err: fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))}
	}

	t := &sseTransport{
		httpClient: cli,
		logger:     logger,
		body:       resp.Body,
		cancel:     cancel,
		incoming:   make(chan []byte),
		done:       make(chan struct{}),
		readClosed: make(chan struct{}),
	}

	ready := make(chan error, 1)
	go t.listenSSEMessages(base, d.MaxPayloadSize, ready)

	select {
	case err := <-ready:
		if err != nil {
			_ = t.Close()
			return nil, &ConnectionError{Target: d.URL, Err: err}
		}
	case <-ctx.Done():
		_ = t.Close()
		return nil, &ConnectionError{Target: d.URL, Err: fmt.Errorf("waiting for endpoint: %w", ctx.Err())}
	}

	logger.Info("SSE session established", slog.String("endpoint", t.endpoint))
	return t, nil
}

// Send transmits frame to the message endpoint with an HTTP POST request.
func (t *sseTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", jsonMediaType.String())

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: failed to send message: %w", ErrIO, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPStatusError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	}

	return nil
}

func (t *sseTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.incoming:
		return frame, nil
	case <-t.readClosed:
		return nil, t.readErr
	case <-t.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *sseTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.cancel()
		err = t.body.Close()
		<-t.readClosed
	})
	return err
}

func (t *sseTransport) listenSSEMessages(base *url.URL, maxPayloadSize int, ready chan<- error) {
	defer close(t.readClosed)

	var config *sse.ReadConfig
	if maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxPayloadSize,
		}
	}

	announced := false
	fail := func(err error) {
		t.readErr = err
		if !announced {
			ready <- err
		}
	}

	for ev, err := range sse.Read(t.body, config) {
		if err != nil {
			select {
			case <-t.done:
				fail(ErrTransportClosed)
			default:
				t.logger.Error("failed to read SSE message", "err", err)
				fail(fmt.Errorf("%w: failed to read SSE message: %w", ErrIO, err))
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			if announced {
				t.logger.Warn("ignoring repeated endpoint event", slog.String("data", ev.Data))
				continue
			}
			u, err := url.Parse(ev.Data)
			if err != nil {
				fail(fmt.Errorf("failed to parse endpoint URL: %w", err))
				return
			}
			if u.String() == "" {
				fail(errors.New("empty endpoint URL"))
				return
			}
			// The endpoint is usually relative to the stream URL.
			t.endpoint = base.ResolveReference(u).String()
			announced = true
			ready <- nil
		case "", "message":
			if !announced {
				t.logger.Error("received message before endpoint URL")
				continue
			}
			select {
			case t.incoming <- []byte(ev.Data):
			case <-t.done:
				t.readErr = ErrTransportClosed
				return
			}
		default:
			t.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}

	fail(fmt.Errorf("%w: %w", ErrTransportClosed, io.EOF))
}
