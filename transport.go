package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Transport moves opaque JSON-RPC frames between the client and a server. Send and
// Receive may be called concurrently with each other, and Close may be called at any
// time to release the underlying connection; blocked calls then return
// ErrTransportClosed.
type Transport interface {
	// Send writes one frame. Failures of the underlying connection are reported as ErrIO.
	Send(ctx context.Context, frame []byte) error
	// Receive blocks until a whole frame is available. It returns an error matching
	// ErrTransportClosed once the peer hung up or Close was called, ErrIO for other
	// read failures and a *ProtocolError for unframeable input.
	Receive(ctx context.Context) ([]byte, error)
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Dialer establishes a Transport. Dial failures are reported as *ConnectionError, and
// nothing acquired during a failed Dial outlives it.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Transport, error)

// StreamTransport implements Transport over a byte stream such as a pipe pair or a
// socket. Writes are serialized through a single writer goroutine, and a reader
// goroutine splits the input into frames with a FrameReader.
//
// Resources must be properly released by calling Close when the StreamTransport is no
// longer needed. Close closes the reader and the writer if they implement io.Closer.
type StreamTransport struct {
	frames  *FrameReader
	writer  io.Writer
	closers []io.Closer
	framing Framing
	logger  *slog.Logger

	writeMessages chan streamMessage
	incoming      chan []byte
	readErr       error

	done        chan struct{}
	readClosed  chan struct{}
	writeClosed chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// StreamOption configures a StreamTransport.
type StreamOption func(*StreamTransport)

type streamMessage struct {
	frame []byte
	errs  chan error
}

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Transport, error) { return f(ctx) }

// WithFraming sets the framing used on the stream. The default is FramingNewline.
func WithFraming(f Framing) StreamOption {
	return func(t *StreamTransport) {
		t.framing = f
	}
}

// WithStreamLogger sets the logger of the transport.
func WithStreamLogger(logger *slog.Logger) StreamOption {
	return func(t *StreamTransport) {
		t.logger = logger
	}
}

// NewStreamTransport creates a StreamTransport reading frames from reader and writing
// them to writer, and starts its reader and writer goroutines.
func NewStreamTransport(reader io.Reader, writer io.Writer, options ...StreamOption) *StreamTransport {
	t := &StreamTransport{
		writer:        writer,
		logger:        slog.Default(),
		writeMessages: make(chan streamMessage),
		incoming:      make(chan []byte),
		done:          make(chan struct{}),
		readClosed:    make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	t.frames = NewFrameReader(reader, t.framing)

	if c, ok := reader.(io.Closer); ok {
		t.closers = append(t.closers, c)
	}
	if c, ok := writer.(io.Closer); ok && !sameCloser(c, reader) {
		t.closers = append(t.closers, c)
	}

	go t.readFrames()
	go t.processWriteMessages()

	return t
}

// Send queues frame for writing and waits for the write to complete.
func (t *StreamTransport) Send(ctx context.Context, frame []byte) error {
	msg := streamMessage{
		frame: AppendFrame(nil, t.framing, frame),
		errs:  make(chan error, 1),
	}

	// Queue the message so concurrent senders never interleave their bytes.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrTransportClosed
	case t.writeMessages <- msg:
	}

	select {
	case err := <-msg.errs:
		if err != nil {
			t.logger.Error("failed to write frame", "err", err)
			return fmt.Errorf("%w: failed to write frame: %w", ErrIO, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrTransportClosed
	}
}

// Receive returns the next frame read from the stream.
func (t *StreamTransport) Receive(ctx context.Context) ([]byte, error) {
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

// Close stops the goroutines and closes the underlying stream.
func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		var errs []error
		for _, c := range t.closers {
			if err := c.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				errs = append(errs, err)
			}
		}
		<-t.writeClosed
		t.closeErr = errors.Join(errs...)
	})
	return t.closeErr
}

func (t *StreamTransport) readFrames() {
	defer close(t.readClosed)

	for {
		frame, err := t.frames.Next()
		if err != nil {
			t.readErr = t.classifyReadError(err)
			return
		}

		select {
		case t.incoming <- frame:
		case <-t.done:
			t.readErr = ErrTransportClosed
			return
		}
	}
}

func (t *StreamTransport) classifyReadError(err error) error {
	var perr *ProtocolError
	switch {
	case errors.As(err, &perr):
		t.logger.Error("failed to frame input", "err", err)
		return err
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}

	select {
	case <-t.done:
		// Closing the stream unblocks the pending read with an error of its own.
		return ErrTransportClosed
	default:
	}
	t.logger.Error("failed to read frame", "err", err)
	return fmt.Errorf("%w: failed to read frame: %w", ErrIO, err)
}

func (t *StreamTransport) processWriteMessages() {
	defer close(t.writeClosed)

	for {
		// Process writing the message queue until the transport is closed.
		var msg streamMessage
		select {
		case <-t.done:
			return
		case msg = <-t.writeMessages:
		}

		_, err := t.writer.Write(msg.frame)

		msg.errs <- err
	}
}

func sameCloser(c io.Closer, other any) bool {
	oc, ok := other.(io.Closer)
	if !ok {
		return false
	}
	defer func() {
		// Uncomparable dynamic types are never the same value.
		_ = recover()
	}()
	return c == oc
}
