package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MegaGrindStone/go-mcp-client/internal/logctx"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements a Model Context Protocol (MCP) client. It owns one connection,
// created by its Dialer in Connect and released by Close, and a reader goroutine that
// drains the connection: responses are handed to the waiting callers, server requests
// are answered on their own goroutines and notifications are queued for the registered
// watchers, which run one at a time in arrival order on a separate goroutine.
//
// Once the session is ready the client pings the server periodically and closes the
// connection when too many pings in a row go unanswered.
//
// The embedded Session provides the protocol operations. A Client must be created
// using NewClient and requires Connect and Initialize to be called before any other
// operation can be performed. The client should be properly closed using Close when
// it's no longer needed. A closed Client cannot be reconnected.
type Client struct {
	*Session

	id     string
	dialer Dialer
	logger *slog.Logger

	requestTimeout       time.Duration
	writeTimeout         time.Duration
	pingInterval         time.Duration
	pingTimeoutThreshold int
	versions             []string

	rootsListHandler RootsListHandler
	rootsListUpdater RootsListUpdater
	samplingHandler  SamplingHandler

	promptListWatcher         PromptListWatcher
	resourceListWatcher       ResourceListWatcher
	resourceSubscribedWatcher ResourceSubscribedWatcher
	toolListWatcher           ToolListWatcher
	progressListener          ProgressListener
	logReceiver               LogReceiver

	mu         sync.Mutex
	transport  Transport
	correlator *Correlator
	closed     bool
	listenDone chan struct{}

	notifications *notificationQueue

	serverRequestsMu sync.Mutex
	serverRequests   map[MessageID]context.CancelCauseFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

var (
	defaultClientRequestTimeout = 30 * time.Second
	defaultClientWriteTimeout   = 30 * time.Second
	defaultClientPingInterval   = 30 * time.Second

	defaultClientPingTimeoutThreshold = 3

	errClientClosed   = fmt.Errorf("%w: client closed", ErrConnectionClosed)
	errNotConnected   = fmt.Errorf("%w: client is not connected", ErrInvalidState)
	errAlreadyStarted = fmt.Errorf("%w: client already connected", ErrInvalidState)

	errServerCancelled = errors.New("request cancelled by server")
)

// WithClientLogger sets the logger of the client. Log records are annotated with the
// session and the request being processed.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientRequestTimeout sets how long a request waits for its response.
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithClientWriteTimeout sets the write timeout for the client.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientPingInterval sets the ping interval for the client. A negative interval
// turns the keepalive off.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClientPingTimeoutThreshold sets the ping timeout threshold for the client.
// If the number of consecutive ping failures exceeds the threshold, the client closes the connection.
func WithClientPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingTimeoutThreshold = threshold
	}
}

// WithRootsListHandler sets the roots list handler for the client.
func WithRootsListHandler(handler RootsListHandler) ClientOption {
	return func(c *Client) {
		c.rootsListHandler = handler
	}
}

// WithRootsListUpdater sets the roots list updater for the client. It only takes
// effect together with a RootsListHandler.
func WithRootsListUpdater(updater RootsListUpdater) ClientOption {
	return func(c *Client) {
		c.rootsListUpdater = updater
	}
}

// WithSamplingHandler sets the sampling handler for the client.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
	}
}

// WithProtocolVersion sets the protocol version requested in the handshake. Additional
// versions are accepted from the server as well.
func WithProtocolVersion(version string, accepted ...string) ClientOption {
	return func(c *Client) {
		c.versions = append([]string{version}, accepted...)
	}
}

// WithPromptListWatcher sets the prompt list watcher for the client.
func WithPromptListWatcher(watcher PromptListWatcher) ClientOption {
	return func(c *Client) {
		c.promptListWatcher = watcher
	}
}

// WithResourceListWatcher sets the resource list watcher for the client.
func WithResourceListWatcher(watcher ResourceListWatcher) ClientOption {
	return func(c *Client) {
		c.resourceListWatcher = watcher
	}
}

// WithResourceSubscribedWatcher sets the resource subscribe watcher for the client.
func WithResourceSubscribedWatcher(watcher ResourceSubscribedWatcher) ClientOption {
	return func(c *Client) {
		c.resourceSubscribedWatcher = watcher
	}
}

// WithToolListWatcher sets the tool list watcher for the client.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithProgressListener sets the progress listener for the client.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithLogReceiver sets the log receiver for the client.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// NewClient creates a new Model Context Protocol (MCP) client identified by info that
// connects through dialer. The client is not connected until Connect is called.
func NewClient(info Info, dialer Dialer, options ...ClientOption) *Client {
	c := &Client{
		id:             uuid.New().String(),
		dialer:         dialer,
		logger:         slog.Default(),
		listenDone:     make(chan struct{}),
		serverRequests: make(map[MessageID]context.CancelCauseFunc),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.requestTimeout == 0 {
		c.requestTimeout = defaultClientRequestTimeout
	}
	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.pingInterval == 0 {
		c.pingInterval = defaultClientPingInterval
	}
	if c.pingTimeoutThreshold == 0 {
		c.pingTimeoutThreshold = defaultClientPingTimeoutThreshold
	}
	if len(c.versions) == 0 || c.versions[0] == "" {
		c.versions = []string{DefaultProtocolVersion}
	}
	c.logger = slog.New(logctx.New(c.logger.Handler()))

	c.Session = newSession(c, info, c.versions, c.logger)
	if c.rootsListHandler != nil {
		c.Session.capabilities.Roots = &RootsCapability{ListChanged: c.rootsListUpdater != nil}
	}
	if c.samplingHandler != nil {
		c.Session.capabilities.Sampling = &SamplingCapability{}
	}
	if c.progressListener != nil {
		c.Session.progressToken = func() string { return uuid.New().String() }
	}

	return c
}

// ID returns the identifier of this client instance, used to correlate its log lines.
func (c *Client) ID() string { return c.id }

// AcceptedProtocolVersions returns the protocol versions accepted from the server, the
// requested one first.
func (c *Client) AcceptedProtocolVersions() []string { return slices.Clone(c.versions) }

// Connect dials the server and starts the reader goroutine. It does not perform the
// handshake; call Initialize next. Dial failures are returned as *ConnectionError.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return errClientClosed
	case c.transport != nil:
		return errAlreadyStarted
	}

	t, err := c.dialer.Dial(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to connect", "err", err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.transport = t
	c.correlator = NewCorrelator(c.logger)
	c.notifications = newNotificationQueue()
	go c.dispatchNotifications(c.notifications)
	go c.listen(t, c.correlator)

	return nil
}

// Initialize performs the protocol handshake on a connected client. On success it
// starts the keepalive and, when configured, forwards roots list updates.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	c.mu.Lock()
	connected := c.transport != nil
	c.mu.Unlock()
	if !connected {
		return InitializeResult{}, errNotConnected
	}

	res, err := c.Session.Initialize(ctx)
	if err != nil {
		return res, err
	}

	if c.pingInterval > 0 {
		go c.keepAlive()
	}
	if c.rootsListHandler != nil && c.rootsListUpdater != nil {
		go c.listenRootsListUpdates()
	}
	return res, nil
}

// Done returns a channel that is closed once the connection is gone and the reader
// goroutine has stopped.
func (c *Client) Done() <-chan struct{} { return c.listenDone }

// Close closes the session and the connection. Pending requests fail with an error
// matching ErrConnectionClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	started := c.transport != nil
	c.mu.Unlock()

	if !started {
		c.Session.close(errClientClosed)
		return nil
	}
	return c.shutdown(errClientClosed)
}

func (c *Client) request(ctx context.Context, method string, params Value) (Value, error) {
	c.mu.Lock()
	t, corr := c.transport, c.correlator
	c.mu.Unlock()
	if t == nil {
		return Value{}, errNotConnected
	}

	p, err := corr.Register(method, c.requestTimeout)
	if err != nil {
		return Value{}, err
	}

	ctx = c.rpcContext(ctx, method, strconv.FormatInt(p.ID, 10), "request")
	frame := EncodeRequest(Request{ID: p.ID, Method: method, Params: params})

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	err = t.Send(sCtx, frame)
	sCancel()
	if err != nil {
		corr.Cancel(p.ID)
		return Value{}, c.sendFailed(ctx, method, err)
	}

	res, err := corr.Await(ctx, p)
	if err != nil {
		var timeoutErr *TimeoutError
		switch {
		case errors.As(err, &timeoutErr):
			c.logger.WarnContext(ctx, "request timed out", slog.Duration("timeout", timeoutErr.Timeout))
			c.cancelRemote(ctx, p.ID, "request timed out")
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			c.cancelRemote(ctx, p.ID, userCancelledReason)
		}
		return Value{}, err
	}

	if res.Error != nil {
		c.logger.DebugContext(ctx, "request failed", "err", res.Error)
		return Value{}, res.Error
	}
	return res.Result, nil
}

func (c *Client) notify(ctx context.Context, method string, params Value) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return errNotConnected
	}

	ctx = c.rpcContext(ctx, method, "", "notification")
	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := t.Send(sCtx, EncodeNotification(Notification{Method: method, Params: params})); err != nil {
		return c.sendFailed(ctx, method, err)
	}
	return nil
}

func (c *Client) abort(cause error) {
	_ = c.shutdown(cause)
}

// sendFailed turns a failed write into the error returned to the caller. A broken
// stream cannot carry any more messages, so it closes the connection.
func (c *Client) sendFailed(ctx context.Context, method string, err error) error {
	if errors.Is(err, ErrIO) || errors.Is(err, ErrTransportClosed) {
		c.logger.ErrorContext(ctx, "connection lost while sending", "err", err)
		cause := connectionClosed(err)
		go c.shutdown(cause)
		return fmt.Errorf("failed to send %s: %w", method, cause)
	}
	return fmt.Errorf("failed to send %s: %w", method, err)
}

// cancelRemote tells the server that the client stopped waiting for request id.
func (c *Client) cancelRemote(ctx context.Context, id int64, reason string) {
	params, err := ValueOf(notificationsCancelledParams{RequestID: IntID(id), Reason: reason})
	if err != nil {
		return
	}
	// The caller's context is already done; the notification gets its own deadline.
	nCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
	defer cancel()
	if err := c.notify(nCtx, methodNotificationsCancelled, params); err != nil {
		c.logger.WarnContext(ctx, "failed to send cancel notification", "err", err)
	}
}

func (c *Client) listen(t Transport, corr *Correlator) {
	defer close(c.listenDone)
	defer c.cancelServerRequests()
	defer c.notifications.close()

	ctx := context.Background()
	for {
		frame, err := t.Receive(ctx)
		lctx := c.sessionContext(ctx)
		if err != nil {
			if !errors.Is(err, ErrTransportClosed) {
				c.logger.ErrorContext(lctx, "failed to receive message", "err", err)
			}
			c.fail(corr, err)
			go c.shutdown(err)
			return
		}

		msg, err := DecodeMessage(frame)
		if err != nil {
			c.logger.ErrorContext(lctx, "failed to decode message", "err", err)
			c.fail(corr, err)
			go c.shutdown(err)
			return
		}

		switch {
		case msg.IsResponse():
			corr.Deliver(msg.Response())
		case msg.IsRequest():
			rctx := c.trackServerRequest(ctx, msg.ID)
			go c.handleRequest(rctx, t, msg)
		case msg.Method == methodNotificationsCancelled:
			c.cancelServerRequest(ctx, msg)
		default:
			c.notifications.push(msg)
		}
	}
}

// fail fails every pending request and closes the session because the connection is
// gone.
func (c *Client) fail(corr *Correlator, err error) {
	cause := connectionClosed(err)
	c.Session.close(cause)
	corr.Fail(cause)
}

func (c *Client) shutdown(cause error) error {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		t, corr := c.transport, c.correlator
		c.closed = true
		c.mu.Unlock()

		cause = connectionClosed(cause)
		c.Session.close(cause)
		corr.Fail(cause)
		c.shutdownErr = t.Close()
		<-c.listenDone
		c.logger.Info("client closed", "cause", cause)
	})
	return c.shutdownErr
}

func (c *Client) handleRequest(ctx context.Context, t Transport, msg Message) {
	defer c.untrackServerRequest(msg.ID)
	ctx = c.rpcContext(ctx, msg.Method, msg.ID.String(), "request")

	res := Response{ID: msg.ID}
	res.Result, res.Error = c.answerRequest(ctx, msg)

	if errors.Is(context.Cause(ctx), errServerCancelled) {
		c.logger.DebugContext(ctx, "dropping response to cancelled request")
		return
	}

	sCtx, sCancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
	defer sCancel()
	if err := t.Send(sCtx, EncodeResponse(res)); err != nil {
		c.logger.ErrorContext(ctx, "failed to send response", "err", err)
	}
}

func (c *Client) answerRequest(ctx context.Context, msg Message) (Value, *JSONRPCError) {
	switch msg.Method {
	case MethodPing:
		return Object(), nil
	case MethodRootsList:
		if c.rootsListHandler == nil {
			break
		}
		roots, err := c.rootsListHandler.RootsList(ctx)
		if err != nil {
			c.logger.ErrorContext(ctx, "failed to list roots", "err", err)
			return Value{}, &JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()}
		}
		return c.result(ctx, roots)
	case MethodSamplingCreateMessage:
		if c.samplingHandler == nil {
			break
		}
		var params SamplingParams
		if err := msg.Params.Decode(&params); err != nil {
			c.logger.ErrorContext(ctx, "failed to unmarshal sampling params", "err", err)
			return Value{}, &JSONRPCError{Code: jsonRPCInvalidParamsCode, Message: err.Error()}
		}
		result, err := c.samplingHandler.CreateSampleMessage(ctx, params)
		if err != nil {
			c.logger.ErrorContext(ctx, "failed to create sample message", "err", err)
			return Value{}, &JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()}
		}
		return c.result(ctx, result)
	}

	c.logger.WarnContext(ctx, "unsupported server request")
	return Value{}, &JSONRPCError{
		Code:    jsonRPCMethodNotFoundCode,
		Message: errMsgMethodNotFound,
		Data:    Object(Field("method", String(msg.Method))),
	}
}

func (c *Client) result(ctx context.Context, v any) (Value, *JSONRPCError) {
	res, err := ValueOf(v)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to marshal result", "err", err)
		return Value{}, &JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()}
	}
	return res, nil
}

func (c *Client) trackServerRequest(ctx context.Context, id MessageID) context.Context {
	ctx, cancel := context.WithCancelCause(ctx)
	c.serverRequestsMu.Lock()
	c.serverRequests[id] = cancel
	c.serverRequestsMu.Unlock()
	return ctx
}

func (c *Client) untrackServerRequest(id MessageID) {
	c.serverRequestsMu.Lock()
	cancel, ok := c.serverRequests[id]
	delete(c.serverRequests, id)
	c.serverRequestsMu.Unlock()
	if ok {
		cancel(nil)
	}
}

// cancelServerRequest stops the handler of the server request named by a cancelled
// notification. Its response is not sent.
func (c *Client) cancelServerRequest(ctx context.Context, msg Message) {
	ctx = c.rpcContext(ctx, msg.Method, "", "notification")

	var params notificationsCancelledParams
	if err := msg.Params.Decode(&params); err != nil {
		c.logger.ErrorContext(ctx, "failed to unmarshal cancelled params", "err", err)
		return
	}

	c.serverRequestsMu.Lock()
	cancel, ok := c.serverRequests[params.RequestID]
	c.serverRequestsMu.Unlock()
	if !ok {
		c.logger.DebugContext(ctx, "server cancelled an unknown request", slog.String("request_id", params.RequestID.String()))
		return
	}
	c.logger.DebugContext(ctx, "server cancelled a request",
		slog.String("request_id", params.RequestID.String()),
		slog.String("reason", params.Reason),
	)
	cancel(errServerCancelled)
}

func (c *Client) cancelServerRequests() {
	c.serverRequestsMu.Lock()
	defer c.serverRequestsMu.Unlock()
	for _, cancel := range c.serverRequests {
		cancel(ErrConnectionClosed)
	}
}

// keepAlive pings the server every pingInterval until the connection is gone. The
// connection is closed once more than pingTimeoutThreshold pings in a row failed.
func (c *Client) keepAlive() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	failedPings := 0
	for {
		select {
		case <-c.listenDone:
			return
		case <-ticker.C:
		}

		// The request timeout bounds each ping.
		err := c.Session.Ping(c.sessionContext(context.Background()))

		switch {
		case err == nil, errors.Is(err, ErrInvocation):
			// An error response still proves the server is alive.
			failedPings = 0
		case errors.Is(err, ErrInvalidState), errors.Is(err, ErrConnectionClosed):
			return
		default:
			failedPings++
			c.logger.Warn("failed to send ping", "err", err, slog.Int("failed_pings", failedPings))
			if failedPings > c.pingTimeoutThreshold {
				c.abort(fmt.Errorf("too many ping failures: %d: %w", failedPings, err))
				return
			}
		}
	}
}

func (c *Client) listenRootsListUpdates() {
	for range c.rootsListUpdater.RootsListUpdates() {
		select {
		case <-c.listenDone:
			return
		default:
		}
		ctx := c.sessionContext(context.Background())
		if err := c.notify(ctx, methodNotificationsRootsListChanged, Null()); err != nil {
			c.logger.ErrorContext(ctx, "failed to send notification on roots list change", "err", err)
		}
	}
}

func (c *Client) dispatchNotifications(q *notificationQueue) {
	for {
		msg, ok := q.pop()
		if !ok {
			return
		}
		c.handleNotification(context.Background(), msg)
	}
}

func (c *Client) handleNotification(ctx context.Context, msg Message) {
	ctx = c.rpcContext(ctx, msg.Method, "", "notification")

	switch msg.Method {
	case methodNotificationsPromptsListChanged:
		if c.promptListWatcher != nil {
			c.promptListWatcher.OnPromptListChanged()
		}
	case methodNotificationsResourcesListChanged:
		if c.resourceListWatcher != nil {
			c.resourceListWatcher.OnResourceListChanged()
		}
	case methodNotificationsResourcesUpdated:
		if c.resourceSubscribedWatcher == nil {
			return
		}
		var params notificationsResourcesUpdatedParams
		if err := msg.Params.Decode(&params); err != nil {
			c.logger.ErrorContext(ctx, "failed to unmarshal resources updated params", "err", err)
			return
		}
		c.resourceSubscribedWatcher.OnResourceSubscribedChanged(params.URI)
	case methodNotificationsToolsListChanged:
		if c.toolListWatcher != nil {
			c.toolListWatcher.OnToolListChanged()
		}
	case methodNotificationsProgress:
		if c.progressListener == nil {
			return
		}
		var params ProgressParams
		if err := msg.Params.Decode(&params); err != nil {
			c.logger.ErrorContext(ctx, "failed to unmarshal progress params", "err", err)
			return
		}
		c.progressListener.OnProgress(params)
	case methodNotificationsMessage:
		if c.logReceiver == nil {
			return
		}
		var params LogParams
		if err := msg.Params.Decode(&params); err != nil {
			c.logger.ErrorContext(ctx, "failed to unmarshal log params", "err", err)
			return
		}
		c.logReceiver.OnLog(params)
	default:
		c.logger.DebugContext(ctx, "ignoring notification")
	}
}

func (c *Client) sessionContext(ctx context.Context) context.Context {
	data := &logctx.SessionData{ClientID: c.id}
	if res, ok := c.Session.InitializeResult(); ok {
		data.Server = res.ServerInfo.Name
		data.ProtocolVersion = res.ProtocolVersion
	}
	return logctx.WithSessionData(ctx, data)
}

func (c *Client) rpcContext(ctx context.Context, method, id, typ string) context.Context {
	return logctx.WithRPCMessage(c.sessionContext(ctx), &logctx.RPCMessage{Method: method, ID: id, Type: typ})
}

// notificationQueue is an unbounded FIFO between the reader goroutine, which must never
// block on a watcher, and the goroutine running the watchers.
type notificationQueue struct {
	mu     sync.Mutex
	items  []Message
	closed bool
	wake   chan struct{}
}

func newNotificationQueue() *notificationQueue {
	return &notificationQueue{wake: make(chan struct{}, 1)}
}

func (q *notificationQueue) push(msg Message) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, msg)
	}
	q.mu.Unlock()
	q.signal()
}

// close lets pop return false once the queued messages are drained.
func (q *notificationQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *notificationQueue) pop() (Message, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = Message{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Message{}, false
		}
		<-q.wake
	}
}

func (q *notificationQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
