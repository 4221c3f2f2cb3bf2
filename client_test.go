package mcp_test

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/internal/mcptest"
)

type mockPromptListWatcher struct {
	lock        sync.Mutex
	updateCount int
}

type mockResourceListWatcher struct {
	lock        sync.Mutex
	updateCount int
}

type mockResourceSubscribedWatcher struct {
	lock sync.Mutex
	uris []string
}

type mockToolListWatcher struct {
	lock        sync.Mutex
	updateCount int
}

type mockProgressListener struct {
	lock   sync.Mutex
	params []mcp.ProgressParams
}

type mockLogReceiver struct {
	lock   sync.Mutex
	params []mcp.LogParams
}

type result[T any] struct {
	val T
	err error
}

func (m *mockPromptListWatcher) OnPromptListChanged() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.updateCount++
}

func (m *mockResourceListWatcher) OnResourceListChanged() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.updateCount++
}

func (m *mockResourceSubscribedWatcher) OnResourceSubscribedChanged(uri string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.uris = append(m.uris, uri)
}

func (m *mockToolListWatcher) OnToolListChanged() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.updateCount++
}

func (m *mockLogReceiver) OnLog(params mcp.LogParams) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.params = append(m.params, params)
}

func (m *mockProgressListener) OnProgress(params mcp.ProgressParams) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.params = append(m.params, params)
}

// async runs fn in its own goroutine so that the test can play the server meanwhile.
func async[T any](fn func() (T, error)) <-chan result[T] {
	ch := make(chan result[T], 1)
	go func() {
		v, err := fn()
		ch <- result[T]{val: v, err: err}
	}()
	return ch
}

func await[T any](t *testing.T, ch <-chan result[T]) (T, error) {
	t.Helper()
	select {
	case r := <-ch:
		return r.val, r.err
	case <-time.After(5 * time.Second):
		t.Fatal("call did not return")
	}
	var zero T
	return zero, nil
}

func newPipeClient(t *testing.T, options ...mcp.ClientOption) (*mcp.Client, *mcptest.Peer) {
	t.Helper()

	peer, dialer := mcptest.Pipe(mcp.WithStreamLogger(discardLogger()))
	options = append([]mcp.ClientOption{mcp.WithClientLogger(discardLogger())}, options...)
	cli := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, dialer, options...)
	t.Cleanup(func() {
		_ = cli.Close()
		_ = peer.Close()
	})

	if err := cli.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return cli, peer
}

func initialize(ctx context.Context, t *testing.T, cli *mcp.Client, peer *mcptest.Peer, res mcp.InitializeResult) {
	t.Helper()

	handshake := async(func() (mcp.Message, error) { return peer.Handshake(ctx, res) })
	if _, err := cli.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if _, err := await(t, handshake); err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}
}

func newReadyClient(ctx context.Context, t *testing.T, options ...mcp.ClientOption) (*mcp.Client, *mcptest.Peer) {
	t.Helper()
	cli, peer := newPipeClient(t, options...)
	initialize(ctx, t, cli, peer, mcptest.DefaultResult())
	return cli, peer
}

// eventually fails the test unless cond becomes true within five seconds.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClientInitialize(t *testing.T) {
	ctx := testContext(t)
	cli, peer := newPipeClient(t)

	if got := cli.State(); got != mcp.StateUninitialized {
		t.Errorf("State() = %v, want %v", got, mcp.StateUninitialized)
	}

	handshake := async(func() (mcp.Message, error) { return peer.Handshake(ctx, mcptest.DefaultResult()) })
	res, err := cli.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	req, err := await(t, handshake)
	if err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}

	version, _ := req.Params.Get("protocolVersion")
	if got, _ := version.AsString(); got != mcp.DefaultProtocolVersion {
		t.Errorf("requested protocolVersion = %q, want %q", got, mcp.DefaultProtocolVersion)
	}
	clientInfo, _ := req.Params.Get("clientInfo")
	if got := clientInfo.String(); got != `{"name":"test-client","version":"1.0"}` {
		t.Errorf("clientInfo = %s", got)
	}

	if res.ServerInfo.Name != "test-server" {
		t.Errorf("ServerInfo.Name = %q, want test-server", res.ServerInfo.Name)
	}
	if got := cli.State(); got != mcp.StateReady {
		t.Errorf("State() = %v, want %v", got, mcp.StateReady)
	}
	if caps := cli.ServerCapabilities(); caps.Tools == nil || caps.Resources == nil || !caps.Resources.Subscribe {
		t.Errorf("ServerCapabilities() = %+v", caps)
	}

	if _, err := cli.Initialize(ctx); !errors.Is(err, mcp.ErrInvalidState) {
		t.Errorf("second Initialize() error = %v, want ErrInvalidState", err)
	}
}

func TestClientInitializeBeforeConnect(t *testing.T) {
	_, dialer := mcptest.Pipe()
	cli := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, dialer, mcp.WithClientLogger(discardLogger()))
	defer cli.Close()

	if _, err := cli.Initialize(context.Background()); !errors.Is(err, mcp.ErrInvalidState) {
		t.Errorf("Initialize() error = %v, want ErrInvalidState", err)
	}
}

func TestClientOperationsRequireReadySession(t *testing.T) {
	ctx := testContext(t)
	cli, _ := newPipeClient(t)

	_, err := cli.CallToolResult(ctx, "echo", mcp.Object())
	var stateErr *mcp.InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("CallToolResult() error = %v, want *InvalidStateError", err)
	}
	if stateErr.State != mcp.StateUninitialized || stateErr.Op != mcp.MethodToolsCall {
		t.Errorf("InvalidStateError = %+v", stateErr)
	}
	if err := cli.Ping(ctx); !errors.Is(err, mcp.ErrInvalidState) {
		t.Errorf("Ping() error = %v, want ErrInvalidState", err)
	}
}

func TestClientHandshakeFailures(t *testing.T) {
	tests := []struct {
		name       string
		respond    func(ctx context.Context, peer *mcptest.Peer, req mcp.Message) error
		wantRemote bool
	}{
		{
			name: "unsupported version",
			respond: func(ctx context.Context, peer *mcptest.Peer, req mcp.Message) error {
				res := mcptest.DefaultResult()
				res.ProtocolVersion = "1999-01-01"
				return peer.Reply(ctx, req.ID, mcp.MustValueOf(res))
			},
		},
		{
			name: "error response",
			respond: func(ctx context.Context, peer *mcptest.Peer, req mcp.Message) error {
				return peer.ReplyError(ctx, req.ID, &mcp.JSONRPCError{Code: -32602, Message: "Unsupported protocol version"})
			},
			wantRemote: true,
		},
		{
			name: "malformed result",
			respond: func(ctx context.Context, peer *mcptest.Peer, req mcp.Message) error {
				return peer.Reply(ctx, req.ID, mcp.String("nope"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testContext(t)
			cli, peer := newPipeClient(t)

			initRes := async(func() (mcp.InitializeResult, error) { return cli.Initialize(ctx) })

			req, err := peer.Expect(ctx, mcp.MethodInitialize)
			if err != nil {
				t.Fatalf("Expect() error = %v", err)
			}
			if err := tt.respond(ctx, peer, req); err != nil {
				t.Fatalf("respond error = %v", err)
			}

			_, err = await(t, initRes)
			if !errors.Is(err, mcp.ErrHandshake) {
				t.Fatalf("Initialize() error = %v, want ErrHandshake", err)
			}
			var hsErr *mcp.HandshakeError
			if !errors.As(err, &hsErr) {
				t.Fatalf("Initialize() error = %v, want *HandshakeError", err)
			}
			if (hsErr.Remote != nil) != tt.wantRemote {
				t.Errorf("HandshakeError.Remote = %v, wantRemote %v", hsErr.Remote, tt.wantRemote)
			}

			select {
			case <-cli.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("client still running after a failed handshake")
			}
			if got := cli.State(); got != mcp.StateClosed {
				t.Errorf("State() = %v, want %v", got, mcp.StateClosed)
			}
		})
	}
}

func TestClientAcceptsAdditionalProtocolVersion(t *testing.T) {
	ctx := testContext(t)
	cli, peer := newPipeClient(t, mcp.WithProtocolVersion(mcp.DefaultProtocolVersion, "2025-03-26"))

	res := mcptest.DefaultResult()
	res.ProtocolVersion = "2025-03-26"
	initialize(ctx, t, cli, peer, res)

	got, ok := cli.InitializeResult()
	if !ok || got.ProtocolVersion != "2025-03-26" {
		t.Errorf("InitializeResult() = %+v, %v", got, ok)
	}
}

func TestClientLifecycle(t *testing.T) {
	ctx := testContext(t)
	cli, peer := newReadyClient(ctx, t)

	list := async(func() ([]mcp.Resource, error) { return cli.ListResources(ctx) })
	req, err := peer.Expect(ctx, mcp.MethodResourcesList)
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	err = peer.Reply(ctx, req.ID, mcp.MustValueOf(map[string]any{
		"resources": []mcp.Resource{{URI: "file:///a.txt", Name: "a.txt", MimeType: "text/plain"}},
	}))
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	resources, err := await(t, list)
	if err != nil {
		t.Fatalf("ListResources() error = %v", err)
	}
	if len(resources) != 1 || resources[0].URI != "file:///a.txt" {
		t.Fatalf("ListResources() = %+v", resources)
	}

	read := async(func() (string, error) { return cli.ReadResource(ctx, resources[0].URI) })
	req, err = peer.Expect(ctx, mcp.MethodResourcesRead)
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	if uri, _ := req.Params.Get("uri"); uri.String() != `"file:///a.txt"` {
		t.Errorf("read params uri = %s", uri)
	}
	err = peer.Reply(ctx, req.ID, mcp.MustValueOf(map[string]any{
		"contents": []mcp.ResourceContents{
			{URI: "file:///a.txt", Text: "first"},
			{URI: "file:///a.txt", Text: "second"},
		},
	}))
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	text, err := await(t, read)
	if err != nil {
		t.Fatalf("ReadResource() error = %v", err)
	}
	if text != "first\nsecond" {
		t.Errorf("ReadResource() = %q, want %q", text, "first\nsecond")
	}

	_ = peer.Close()
	select {
	case <-cli.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not notice the server going away")
	}

	_, err = cli.ListResources(ctx)
	if !errors.Is(err, mcp.ErrConnectionClosed) {
		t.Errorf("ListResources() error = %v, want ErrConnectionClosed", err)
	}
	if !errors.Is(err, mcp.ErrInvalidState) {
		t.Errorf("ListResources() error = %v, want ErrInvalidState", err)
	}
	if got := cli.State(); got != mcp.StateClosed {
		t.Errorf("State() = %v, want %v", got, mcp.StateClosed)
	}
	if err := cli.Connect(ctx); err == nil {
		t.Errorf("Connect() after close error = nil")
	}
}

func TestClientConcurrentRequestsOutOfOrder(t *testing.T) {
	ctx := testContext(t)
	cli, peer := newReadyClient(ctx, t)

	call := func(text string) <-chan result[mcp.CallToolResult] {
		return async(func() (mcp.CallToolResult, error) {
			return cli.CallToolResult(ctx, "echo", mcp.Object(mcp.Field("message", mcp.String(text))))
		})
	}
	first, second := call("one"), call("two")

	var reqs []mcp.Message
	for range 2 {
		req, err := peer.Expect(ctx, mcp.MethodToolsCall)
		if err != nil {
			t.Fatalf("Expect() error = %v", err)
		}
		reqs = append(reqs, req)
	}
	if reqs[0].ID == reqs[1].ID {
		t.Fatalf("both requests carry id %v", reqs[0].ID)
	}

	// Answer in reverse order of arrival.
	for i := len(reqs) - 1; i >= 0; i-- {
		args, _ := reqs[i].Params.Get("arguments")
		msg, _ := args.Get("message")
		text, _ := msg.AsString()
		if err := peer.Reply(ctx, reqs[i].ID, mcptest.TextResult(text, false)); err != nil {
			t.Fatalf("Reply() error = %v", err)
		}
	}

	for want, ch := range map[string]<-chan result[mcp.CallToolResult]{"one": first, "two": second} {
		res, err := await(t, ch)
		if err != nil {
			t.Fatalf("CallToolResult(%q) error = %v", want, err)
		}
		if len(res.Content) != 1 || res.Content[0].Text != want {
			t.Errorf("CallToolResult(%q) = %+v", want, res)
		}
	}
}

func TestClientRequestTimeout(t *testing.T) {
	ctx := testContext(t)
	cli, peer := newReadyClient(ctx, t, mcp.WithClientRequestTimeout(200*time.Millisecond))

	ping := async(func() (struct{}, error) { return struct{}{}, cli.Ping(ctx) })
	req, err := peer.Expect(ctx, mcp.MethodPing)
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}

	cancelled, err := peer.Expect(ctx, "notifications/cancelled")
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	if id, _ := cancelled.Params.Get("requestId"); id.String() != req.ID.String() {
		t.Errorf("cancelled requestId = %s, want %s", id, req.ID)
	}

	_, err = await(t, ping)
	var timeoutErr *mcp.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Ping() error = %v, want *TimeoutError", err)
	}
	if !errors.Is(err, mcp.ErrTimeout) {
		t.Errorf("errors.Is(err, ErrTimeout) = false")
	}

	// A late response is dropped and the session keeps working.
	if err := peer.Reply(ctx, req.ID, mcp.Object()); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	ping = async(func() (struct{}, error) { return struct{}{}, cli.Ping(ctx) })
	req, err = peer.Expect(ctx, mcp.MethodPing)
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	if err := peer.Reply(ctx, req.ID, mcp.Object()); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if _, err := await(t, ping); err != nil {
		t.Errorf("Ping() after timeout error = %v", err)
	}
	if got := cli.State(); got != mcp.StateReady {
		t.Errorf("State() = %v, want %v", got, mcp.StateReady)
	}
}

func TestClientContextCancellation(t *testing.T) {
	ctx := testContext(t)
	cli, peer := newReadyClient(ctx, t)

	callCtx, cancel := context.WithCancel(ctx)
	call := async(func() (mcp.Value, error) { return cli.CallTool(callCtx, "slow", mcp.Object()) })

	req, err := peer.Expect(ctx, mcp.MethodToolsCall)
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	cancel()

	cancelled, err := peer.Expect(ctx, "notifications/cancelled")
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	if id, _ := cancelled.Params.Get("requestId"); id.String() != req.ID.String() {
		t.Errorf("cancelled requestId = %s, want %s", id, req.ID)
	}
	if reason, _ := cancelled.Params.Get("reason"); reason.String() != `"User requested cancellation"` {
		t.Errorf("cancelled reason = %s", reason)
	}

	if _, err := await(t, call); !errors.Is(err, context.Canceled) {
		t.Errorf("CallTool() error = %v, want context.Canceled", err)
	}
}

func TestClientCloseFailsPendingRequests(t *testing.T) {
	ctx := testContext(t)
	cli, peer := newReadyClient(ctx, t)

	ping := async(func() (struct{}, error) { return struct{}{}, cli.Ping(ctx) })
	if _, err := peer.Expect(ctx, mcp.MethodPing); err != nil {
		t.Fatalf("Expect() error = %v", err)
	}

	if err := cli.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := await(t, ping); !errors.Is(err, mcp.ErrConnectionClosed) {
		t.Errorf("Ping() error = %v, want ErrConnectionClosed", err)
	}
	if err := cli.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := cli.Ping(ctx); !errors.Is(err, mcp.ErrConnectionClosed) {
		t.Errorf("Ping() after Close error = %v, want ErrConnectionClosed", err)
	}
}

func TestClientProtocolErrorIsFatal(t *testing.T) {
	ctx := testContext(t)
	cli, peer := newReadyClient(ctx, t)

	ping := async(func() (struct{}, error) { return struct{}{}, cli.Ping(ctx) })
	if _, err := peer.Expect(ctx, mcp.MethodPing); err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	if err := peer.SendRaw(ctx, []byte(`{"jsonrpc":"2.0","id":`)); err != nil {
		t.Fatalf("SendRaw() error = %v", err)
	}

	_, err := await(t, ping)
	if !errors.Is(err, mcp.ErrConnectionClosed) {
		t.Errorf("Ping() error = %v, want ErrConnectionClosed", err)
	}
	if !errors.Is(err, mcp.ErrProtocol) {
		t.Errorf("Ping() error = %v, want ErrProtocol", err)
	}

	select {
	case <-cli.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client still running after a protocol error")
	}
}

func TestClientAnswersServerRequests(t *testing.T) {
	ctx := testContext(t)
	_, peer := newReadyClient(ctx, t)

	if err := peer.Request(ctx, 7, mcp.MethodPing, mcp.Object()); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	res, err := peer.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if id, _ := res.ID.Int(); id != 7 || !res.IsResponse() || res.Error != nil {
		t.Fatalf("ping response = %+v", res)
	}
	if got := res.Result.String(); got != `{}` {
		t.Errorf("ping result = %s, want {}", got)
	}

	if err := peer.Request(ctx, 8, "sampling/createMessage", mcp.Object()); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	res, err = peer.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if res.Error == nil || res.Error.Code != -32601 {
		t.Fatalf("unsupported request response = %+v", res)
	}
	if id, _ := res.ID.Int(); id != 8 {
		t.Errorf("response id = %v, want 8", res.ID)
	}
}

func TestClientNotifications(t *testing.T) {
	ctx := testContext(t)

	promptsWatcher := &mockPromptListWatcher{}
	resourcesWatcher := &mockResourceListWatcher{}
	subscribedWatcher := &mockResourceSubscribedWatcher{}
	toolsWatcher := &mockToolListWatcher{}
	progress := &mockProgressListener{}
	logs := &mockLogReceiver{}

	_, peer := newReadyClient(ctx, t,
		mcp.WithPromptListWatcher(promptsWatcher),
		mcp.WithResourceListWatcher(resourcesWatcher),
		mcp.WithResourceSubscribedWatcher(subscribedWatcher),
		mcp.WithToolListWatcher(toolsWatcher),
		mcp.WithProgressListener(progress),
		mcp.WithLogReceiver(logs),
	)

	notifications := []struct {
		method string
		params mcp.Value
	}{
		{"notifications/tools/list_changed", mcp.Null()},
		{"notifications/tools/list_changed", mcp.Null()},
		{"notifications/prompts/list_changed", mcp.Null()},
		{"notifications/resources/list_changed", mcp.Null()},
		{"notifications/resources/updated", mcp.Object(mcp.Field("uri", mcp.String("file:///a.txt")))},
		{"notifications/progress", mcp.Object(
			mcp.Field("progressToken", mcp.String("tok")),
			mcp.Field("progress", mcp.Int(5)),
			mcp.Field("total", mcp.Int(10)),
		)},
		{"notifications/message", mcp.Object(
			mcp.Field("level", mcp.String("warning")),
			mcp.Field("logger", mcp.String("db")),
			mcp.Field("data", mcp.String("slow query")),
		)},
		{"notifications/unknown", mcp.Object()},
	}
	for _, n := range notifications {
		if err := peer.Notify(ctx, n.method, n.params); err != nil {
			t.Fatalf("Notify(%s) error = %v", n.method, err)
		}
	}

	// Watchers run in arrival order, so every earlier notification has been handled
	// once the log receiver has seen its message.
	eventually(t, func() bool {
		logs.lock.Lock()
		defer logs.lock.Unlock()
		return len(logs.params) > 0
	})

	toolsWatcher.lock.Lock()
	if toolsWatcher.updateCount != 2 {
		t.Errorf("tool list updates = %d, want 2", toolsWatcher.updateCount)
	}
	toolsWatcher.lock.Unlock()

	promptsWatcher.lock.Lock()
	if promptsWatcher.updateCount != 1 {
		t.Errorf("prompt list updates = %d, want 1", promptsWatcher.updateCount)
	}
	promptsWatcher.lock.Unlock()

	resourcesWatcher.lock.Lock()
	if resourcesWatcher.updateCount != 1 {
		t.Errorf("resource list updates = %d, want 1", resourcesWatcher.updateCount)
	}
	resourcesWatcher.lock.Unlock()

	subscribedWatcher.lock.Lock()
	if len(subscribedWatcher.uris) != 1 || subscribedWatcher.uris[0] != "file:///a.txt" {
		t.Errorf("updated resources = %v", subscribedWatcher.uris)
	}
	subscribedWatcher.lock.Unlock()

	progress.lock.Lock()
	if len(progress.params) != 1 || progress.params[0].Progress != 5 || progress.params[0].Total != 10 ||
		progress.params[0].ProgressToken != mcp.StringID("tok") {
		t.Errorf("progress = %+v", progress.params)
	}
	progress.lock.Unlock()

	logs.lock.Lock()
	if len(logs.params) != 1 || logs.params[0].Level != mcp.LogLevelWarning || logs.params[0].Logger != "db" {
		t.Errorf("logs = %+v", logs.params)
	}
	logs.lock.Unlock()
}

func TestClientToolCallCarriesProgressToken(t *testing.T) {
	ctx := testContext(t)
	cli, peer := newReadyClient(ctx, t, mcp.WithProgressListener(&mockProgressListener{}))

	call := async(func() (mcp.CallToolResult, error) { return cli.CallToolResult(ctx, "echo", mcp.Object()) })
	req, err := peer.Expect(ctx, mcp.MethodToolsCall)
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	meta, ok := req.Params.Get("_meta")
	if !ok {
		t.Fatalf("tools/call params carry no _meta: %s", req.Params)
	}
	if token, _ := meta.Get("progressToken"); token.Kind() != mcp.KindString {
		t.Errorf("progressToken = %s, want a string", token)
	}
	if err := peer.Reply(ctx, req.ID, mcptest.TextResult("ok", false)); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if _, err := await(t, call); err != nil {
		t.Errorf("CallToolResult() error = %v", err)
	}
}

func TestClientRemoteErrors(t *testing.T) {
	tests := []struct {
		name  string
		call  func(ctx context.Context, cli *mcp.Client) error
		reply func(ctx context.Context, peer *mcptest.Peer, req mcp.Message) error
		check func(t *testing.T, err error)
	}{
		{
			name: "tool not found",
			call: func(ctx context.Context, cli *mcp.Client) error {
				_, err := cli.CallTool(ctx, "missing", mcp.Object())
				return err
			},
			reply: func(ctx context.Context, peer *mcptest.Peer, req mcp.Message) error {
				return peer.ReplyError(ctx, req.ID, &mcp.JSONRPCError{Code: -32602, Message: "tool 'missing' not found"})
			},
			check: func(t *testing.T, err error) {
				var notFound *mcp.ToolNotFoundError
				if !errors.As(err, &notFound) || notFound.Name != "missing" {
					t.Errorf("error = %v, want *ToolNotFoundError for missing", err)
				}
				if !errors.Is(err, mcp.ErrToolNotFound) {
					t.Errorf("errors.Is(err, ErrToolNotFound) = false")
				}
			},
		},
		{
			name: "tool reports error",
			call: func(ctx context.Context, cli *mcp.Client) error {
				res, err := cli.CallToolResult(ctx, "fail", mcp.Object())
				if !res.IsError {
					return errors.New("result not flagged as error")
				}
				return err
			},
			reply: func(ctx context.Context, peer *mcptest.Peer, req mcp.Message) error {
				return peer.Reply(ctx, req.ID, mcptest.TextResult("disk full", true))
			},
			check: func(t *testing.T, err error) {
				var invErr *mcp.InvocationError
				if !errors.As(err, &invErr) {
					t.Fatalf("error = %v, want *InvocationError", err)
				}
				if invErr.Remote != nil || len(invErr.Content) != 1 || invErr.Content[0].Text != "disk full" {
					t.Errorf("InvocationError = %+v", invErr)
				}
				if got, want := err.Error(), `tools/call "fail" failed: disk full`; got != want {
					t.Errorf("Error() = %q, want %q", got, want)
				}
			},
		},
		{
			name: "tool error response",
			call: func(ctx context.Context, cli *mcp.Client) error {
				_, err := cli.CallTool(ctx, "echo", mcp.Object())
				return err
			},
			reply: func(ctx context.Context, peer *mcptest.Peer, req mcp.Message) error {
				return peer.ReplyError(ctx, req.ID, &mcp.JSONRPCError{Code: -32603, Message: "internal error"})
			},
			check: func(t *testing.T, err error) {
				var invErr *mcp.InvocationError
				if !errors.As(err, &invErr) || invErr.Remote == nil || invErr.Remote.Code != -32603 {
					t.Errorf("error = %v, want *InvocationError with code -32603", err)
				}
				if errors.Is(err, mcp.ErrToolNotFound) {
					t.Errorf("errors.Is(err, ErrToolNotFound) = true")
				}
			},
		},
		{
			name: "resource not found",
			call: func(ctx context.Context, cli *mcp.Client) error {
				_, err := cli.ReadResource(ctx, "file:///missing")
				return err
			},
			reply: func(ctx context.Context, peer *mcptest.Peer, req mcp.Message) error {
				return peer.ReplyError(ctx, req.ID, &mcp.JSONRPCError{Code: -32002, Message: "Resource not found"})
			},
			check: func(t *testing.T, err error) {
				var notFound *mcp.ResourceNotFoundError
				if !errors.As(err, &notFound) || notFound.URI != "file:///missing" {
					t.Errorf("error = %v, want *ResourceNotFoundError", err)
				}
				if !errors.Is(err, mcp.ErrResourceNotFound) {
					t.Errorf("errors.Is(err, ErrResourceNotFound) = false")
				}
			},
		},
		{
			name: "prompt error",
			call: func(ctx context.Context, cli *mcp.Client) error {
				_, err := cli.GetPrompt(ctx, "greet", nil)
				return err
			},
			reply: func(ctx context.Context, peer *mcptest.Peer, req mcp.Message) error {
				return peer.ReplyError(ctx, req.ID, &mcp.JSONRPCError{Code: -32602, Message: "missing argument name"})
			},
			check: func(t *testing.T, err error) {
				var invErr *mcp.InvocationError
				if !errors.As(err, &invErr) || invErr.Method != mcp.MethodPromptsGet {
					t.Errorf("error = %v, want *InvocationError for prompts/get", err)
				}
				if !errors.Is(err, mcp.ErrInvocation) {
					t.Errorf("errors.Is(err, ErrInvocation) = false")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testContext(t)
			cli, peer := newReadyClient(ctx, t)

			call := async(func() (struct{}, error) { return struct{}{}, tt.call(ctx, cli) })
			req, err := peer.Next(ctx)
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if err := tt.reply(ctx, peer, req); err != nil {
				t.Fatalf("reply error = %v", err)
			}
			_, err = await(t, call)
			tt.check(t, err)

			if got := cli.State(); got != mcp.StateReady {
				t.Errorf("State() = %v, want %v", got, mcp.StateReady)
			}
		})
	}
}

func TestClientCapabilityNotSupported(t *testing.T) {
	ctx := testContext(t)
	cli, peer := newPipeClient(t)

	res := mcptest.DefaultResult()
	res.Capabilities = mcp.ServerCapabilities{
		Tools:     &mcp.ToolsCapability{},
		Resources: &mcp.ResourcesCapability{},
	}
	initialize(ctx, t, cli, peer, res)

	checks := map[string]func() error{
		"ListPrompts": func() error {
			_, err := cli.ListPrompts(ctx)
			return err
		},
		"GetPrompt": func() error {
			_, err := cli.GetPrompt(ctx, "greet", nil)
			return err
		},
		"SetLogLevel": func() error {
			return cli.SetLogLevel(ctx, mcp.LogLevelDebug)
		},
		"SubscribeResource": func() error {
			return cli.SubscribeResource(ctx, "file:///a.txt")
		},
	}
	for name, fn := range checks {
		if err := fn(); !errors.Is(err, mcp.ErrCapabilityNotSupported) {
			t.Errorf("%s() error = %v, want ErrCapabilityNotSupported", name, err)
		}
	}
}

func TestClientListToolsPagination(t *testing.T) {
	ctx := testContext(t)
	cli, peer := newReadyClient(ctx, t)

	list := async(func() ([]mcp.Tool, error) { return cli.ListTools(ctx) })

	req, err := peer.Expect(ctx, mcp.MethodToolsList)
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	if _, ok := req.Params.Get("cursor"); ok {
		t.Errorf("first page request carries a cursor: %s", req.Params)
	}
	page1 := mcp.MustValueOf(map[string]any{"tools": []mcp.Tool{{Name: "a"}, {Name: "b"}}, "nextCursor": "p2"})
	if err := peer.Reply(ctx, req.ID, page1); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}

	req, err = peer.Expect(ctx, mcp.MethodToolsList)
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	if cursor, _ := req.Params.Get("cursor"); cursor.String() != `"p2"` {
		t.Errorf("second page cursor = %s, want \"p2\"", cursor)
	}
	if err := peer.Reply(ctx, req.ID, mcptest.ToolsResult(mcp.Tool{Name: "c"})); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}

	tools, err := await(t, list)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	if len(names) != 3 || names[0] != "a" || names[1] != "b" || names[2] != "c" {
		t.Errorf("ListTools() names = %v, want [a b c]", names)
	}
	if cached := cli.CachedTools(); len(cached) != 3 {
		t.Errorf("CachedTools() = %d tools, want 3", len(cached))
	}
}

func TestClientSubscribeAndSetLogLevel(t *testing.T) {
	ctx := testContext(t)
	cli, peer := newReadyClient(ctx, t)

	steps := []struct {
		method string
		call   func() error
		param  string
		want   string
	}{
		{mcp.MethodResourcesSubscribe, func() error { return cli.SubscribeResource(ctx, "file:///a.txt") }, "uri", `"file:///a.txt"`},
		{mcp.MethodResourcesUnsubscribe, func() error { return cli.UnsubscribeResource(ctx, "file:///a.txt") }, "uri", `"file:///a.txt"`},
		{mcp.MethodLoggingSetLevel, func() error { return cli.SetLogLevel(ctx, mcp.LogLevelError) }, "level", `"error"`},
	}
	for _, step := range steps {
		call := async(func() (struct{}, error) { return struct{}{}, step.call() })
		req, err := peer.Expect(ctx, step.method)
		if err != nil {
			t.Fatalf("Expect() error = %v", err)
		}
		if got, _ := req.Params.Get(step.param); got.String() != step.want {
			t.Errorf("%s %s = %s, want %s", step.method, step.param, got, step.want)
		}
		if err := peer.Reply(ctx, req.ID, mcp.Object()); err != nil {
			t.Fatalf("Reply() error = %v", err)
		}
		if _, err := await(t, call); err != nil {
			t.Errorf("%s error = %v", step.method, err)
		}
	}
}

func TestClientReadResourceTemplate(t *testing.T) {
	ctx := testContext(t)
	cli, peer := newReadyClient(ctx, t)

	read := async(func() ([]mcp.ResourceContents, error) {
		return cli.ReadResourceTemplate(ctx, "file:///logs/{name}", map[string]any{"name": "today.log"})
	})
	req, err := peer.Expect(ctx, mcp.MethodResourcesRead)
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	if uri, _ := req.Params.Get("uri"); uri.String() != `"file:///logs/today.log"` {
		t.Errorf("uri = %s", uri)
	}
	err = peer.Reply(ctx, req.ID, mcp.MustValueOf(map[string]any{
		"contents": []mcp.ResourceContents{{URI: "file:///logs/today.log", Blob: "AAEC", MimeType: "application/octet-stream"}},
	}))
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	contents, err := await(t, read)
	if err != nil {
		t.Fatalf("ReadResourceTemplate() error = %v", err)
	}
	if len(contents) != 1 || contents[0].Blob != "AAEC" {
		t.Errorf("ReadResourceTemplate() = %+v", contents)
	}
}

func TestClientIDsAreUnique(t *testing.T) {
	_, d1 := mcptest.Pipe()
	_, d2 := mcptest.Pipe()
	c1 := mcp.NewClient(mcp.Info{Name: "a"}, d1)
	c2 := mcp.NewClient(mcp.Info{Name: "b"}, d2)
	if c1.ID() == "" || c1.ID() == c2.ID() {
		t.Errorf("client ids %q and %q", c1.ID(), c2.ID())
	}
}

type toolListWatcherFunc func()

func (f toolListWatcherFunc) OnToolListChanged() { f() }

type rootsListHandlerFunc func(ctx context.Context) (mcp.RootList, error)

func (f rootsListHandlerFunc) RootsList(ctx context.Context) (mcp.RootList, error) { return f(ctx) }

type samplingHandlerFunc func(ctx context.Context, params mcp.SamplingParams) (mcp.SamplingResult, error)

func (f samplingHandlerFunc) CreateSampleMessage(ctx context.Context, params mcp.SamplingParams) (mcp.SamplingResult, error) {
	return f(ctx, params)
}

type mockRootsListUpdater struct {
	ch chan struct{}
}

func (m mockRootsListUpdater) RootsListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for range m.ch {
			if !yield(struct{}{}) {
				return
			}
		}
	}
}

func TestClientWatcherCallsBackIntoClient(t *testing.T) {
	ctx := testContext(t)

	var cli *mcp.Client
	listed := make(chan result[[]mcp.Tool], 1)
	watcher := toolListWatcherFunc(func() {
		tools, err := cli.ListTools(ctx)
		listed <- result[[]mcp.Tool]{val: tools, err: err}
	})
	cli, peer := newReadyClient(ctx, t, mcp.WithToolListWatcher(watcher))

	if err := peer.Notify(ctx, "notifications/tools/list_changed", mcp.Null()); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	req, err := peer.Expect(ctx, mcp.MethodToolsList)
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	if err := peer.Reply(ctx, req.ID, mcptest.ToolsResult(mcp.Tool{Name: "fresh"})); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}

	tools, err := await(t, listed)
	if err != nil {
		t.Fatalf("ListTools() from watcher error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "fresh" {
		t.Errorf("ListTools() from watcher = %+v", tools)
	}
}

func TestClientWatcherClosesClient(t *testing.T) {
	ctx := testContext(t)

	var cli *mcp.Client
	closed := make(chan error, 1)
	watcher := toolListWatcherFunc(func() { closed <- cli.Close() })
	cli, peer := newReadyClient(ctx, t, mcp.WithToolListWatcher(watcher))

	if err := peer.Notify(ctx, "notifications/tools/list_changed", mcp.Null()); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close() from watcher error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close() from watcher did not return")
	}
	select {
	case <-cli.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client still running after Close() from watcher")
	}
	if got := cli.State(); got != mcp.StateClosed {
		t.Errorf("State() = %v, want %v", got, mcp.StateClosed)
	}
}

func TestClientRootsAndSampling(t *testing.T) {
	ctx := testContext(t)

	updates := mockRootsListUpdater{ch: make(chan struct{})}
	t.Cleanup(func() { close(updates.ch) })

	roots := rootsListHandlerFunc(func(context.Context) (mcp.RootList, error) {
		return mcp.RootList{Roots: []mcp.Root{{URI: "file:///workspace", Name: "workspace"}}}, nil
	})
	sampling := samplingHandlerFunc(func(_ context.Context, params mcp.SamplingParams) (mcp.SamplingResult, error) {
		if params.MaxTokens == 0 {
			return mcp.SamplingResult{}, errors.New("maxTokens is required")
		}
		return mcp.SamplingResult{
			Role:    mcp.RoleAssistant,
			Content: mcp.SamplingContent{Type: mcp.ContentTypeText, Text: "echo: " + params.Messages[0].Content.Text},
			Model:   "test-model",
		}, nil
	})

	cli, peer := newPipeClient(t,
		mcp.WithRootsListHandler(roots),
		mcp.WithRootsListUpdater(updates),
		mcp.WithSamplingHandler(sampling),
	)
	handshake := async(func() (mcp.Message, error) { return peer.Handshake(ctx, mcptest.DefaultResult()) })
	if _, err := cli.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	initReq, err := await(t, handshake)
	if err != nil {
		t.Fatalf("Handshake() error = %v", err)
	}

	var params struct {
		Capabilities mcp.ClientCapabilities `json:"capabilities"`
	}
	if err := initReq.Params.Decode(&params); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if params.Capabilities.Roots == nil || !params.Capabilities.Roots.ListChanged {
		t.Errorf("roots capability = %+v, want listChanged", params.Capabilities.Roots)
	}
	if params.Capabilities.Sampling == nil {
		t.Error("sampling capability not advertised")
	}

	t.Run("roots list", func(t *testing.T) {
		if err := peer.Request(ctx, 20, mcp.MethodRootsList, mcp.Object()); err != nil {
			t.Fatalf("Request() error = %v", err)
		}
		res, err := peer.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if id, _ := res.ID.Int(); id != 20 || res.Error != nil {
			t.Fatalf("roots/list response = %+v", res)
		}
		var got mcp.RootList
		if err := res.Result.Decode(&got); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if len(got.Roots) != 1 || got.Roots[0].URI != "file:///workspace" {
			t.Errorf("roots = %+v", got.Roots)
		}
	})

	t.Run("roots list changed", func(t *testing.T) {
		select {
		case updates.ch <- struct{}{}:
		case <-time.After(5 * time.Second):
			t.Fatal("roots updates are not consumed")
		}
		if _, err := peer.Expect(ctx, "notifications/roots/list_changed"); err != nil {
			t.Fatalf("Expect() error = %v", err)
		}
	})

	t.Run("sampling", func(t *testing.T) {
		req := mcp.MustValueOf(mcp.SamplingParams{
			Messages: []mcp.SamplingMessage{{
				Role:    mcp.RoleUser,
				Content: mcp.SamplingContent{Type: mcp.ContentTypeText, Text: "hello"},
			}},
			MaxTokens: 16,
		})
		if err := peer.Request(ctx, 21, mcp.MethodSamplingCreateMessage, req); err != nil {
			t.Fatalf("Request() error = %v", err)
		}
		res, err := peer.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if res.Error != nil {
			t.Fatalf("sampling error = %+v", res.Error)
		}
		var got mcp.SamplingResult
		if err := res.Result.Decode(&got); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if got.Role != mcp.RoleAssistant || got.Content.Text != "echo: hello" || got.Model != "test-model" {
			t.Errorf("sampling result = %+v", got)
		}
	})

	t.Run("sampling handler error", func(t *testing.T) {
		if err := peer.Request(ctx, 22, mcp.MethodSamplingCreateMessage, mcp.Object()); err != nil {
			t.Fatalf("Request() error = %v", err)
		}
		res, err := peer.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if res.Error == nil || res.Error.Code != -32603 {
			t.Errorf("sampling handler error response = %+v", res)
		}
	})

	t.Run("sampling invalid params", func(t *testing.T) {
		if err := peer.Request(ctx, 23, mcp.MethodSamplingCreateMessage, mcp.String("hello")); err != nil {
			t.Fatalf("Request() error = %v", err)
		}
		res, err := peer.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if res.Error == nil || res.Error.Code != -32602 {
			t.Errorf("invalid sampling params response = %+v", res)
		}
	})
}

func TestClientServerCancelsRequest(t *testing.T) {
	ctx := testContext(t)

	cancelled := make(chan error, 1)
	sampling := samplingHandlerFunc(func(ctx context.Context, _ mcp.SamplingParams) (mcp.SamplingResult, error) {
		<-ctx.Done()
		cancelled <- context.Cause(ctx)
		return mcp.SamplingResult{}, ctx.Err()
	})
	_, peer := newReadyClient(ctx, t, mcp.WithSamplingHandler(sampling))

	if err := peer.Request(ctx, 30, mcp.MethodSamplingCreateMessage, mcp.Object()); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	err := peer.Notify(ctx, "notifications/cancelled", mcp.Object(
		mcp.Field("requestId", mcp.Int(30)),
		mcp.Field("reason", mcp.String("user aborted")),
	))
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	select {
	case cause := <-cancelled:
		if cause == nil {
			t.Error("handler context cancelled without a cause")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler context was not cancelled")
	}

	// The cancelled request gets no response, so the next message answers the ping.
	if err := peer.Request(ctx, 31, mcp.MethodPing, mcp.Object()); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	res, err := peer.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if id, _ := res.ID.Int(); id != 31 {
		t.Errorf("next response id = %v, want 31", res.ID)
	}
}

func TestClientCompletion(t *testing.T) {
	ctx := testContext(t)
	cli, peer := newReadyClient(ctx, t)

	tests := []struct {
		name    string
		call    func() (mcp.CompletionResult, error)
		refType string
		refKey  string
		refVal  string
	}{
		{
			name: "prompt",
			call: func() (mcp.CompletionResult, error) {
				return cli.CompletesPrompt(ctx, "summarize", mcp.CompletionArgument{Name: "style", Value: "br"})
			},
			refType: "ref/prompt",
			refKey:  "name",
			refVal:  `"summarize"`,
		},
		{
			name: "resource template",
			call: func() (mcp.CompletionResult, error) {
				return cli.CompletesResourceTemplate(ctx, "file:///logs/{name}", mcp.CompletionArgument{Name: "name", Value: "br"})
			},
			refType: "ref/resource",
			refKey:  "uri",
			refVal:  `"file:///logs/{name}"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call := async(tt.call)
			req, err := peer.Expect(ctx, mcp.MethodCompletionComplete)
			if err != nil {
				t.Fatalf("Expect() error = %v", err)
			}
			ref, _ := req.Params.Get("ref")
			if typ, _ := ref.Get("type"); typ.String() != `"`+tt.refType+`"` {
				t.Errorf("ref type = %s, want %s", typ, tt.refType)
			}
			if got, _ := ref.Get(tt.refKey); got.String() != tt.refVal {
				t.Errorf("ref %s = %s, want %s", tt.refKey, got, tt.refVal)
			}
			arg, _ := req.Params.Get("argument")
			if value, _ := arg.Get("value"); value.String() != `"br"` {
				t.Errorf("argument value = %s", value)
			}

			err = peer.Reply(ctx, req.ID, mcp.MustValueOf(map[string]any{
				"completion": map[string]any{"values": []string{"brief", "bright"}, "hasMore": true},
			}))
			if err != nil {
				t.Fatalf("Reply() error = %v", err)
			}
			res, err := await(t, call)
			if err != nil {
				t.Fatalf("completion error = %v", err)
			}
			if len(res.Completion.Values) != 2 || res.Completion.Values[0] != "brief" || !res.Completion.HasMore {
				t.Errorf("completion = %+v", res.Completion)
			}
		})
	}
}

func TestClientCachedLists(t *testing.T) {
	ctx := testContext(t)
	cli, peer := newReadyClient(ctx, t)

	if got := cli.CachedResourceTemplates(); len(got) != 0 {
		t.Errorf("CachedResourceTemplates() before listing = %+v", got)
	}
	if got := cli.CachedPrompts(); len(got) != 0 {
		t.Errorf("CachedPrompts() before listing = %+v", got)
	}

	templates := async(func() ([]mcp.ResourceTemplate, error) { return cli.ListResourceTemplates(ctx) })
	req, err := peer.Expect(ctx, mcp.MethodResourcesTemplatesList)
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	err = peer.Reply(ctx, req.ID, mcp.MustValueOf(map[string]any{
		"resourceTemplates": []mcp.ResourceTemplate{{URITemplate: "file:///logs/{name}", Name: "logs"}},
	}))
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if _, err := await(t, templates); err != nil {
		t.Fatalf("ListResourceTemplates() error = %v", err)
	}

	prompts := async(func() ([]mcp.Prompt, error) { return cli.ListPrompts(ctx) })
	req, err = peer.Expect(ctx, mcp.MethodPromptsList)
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	err = peer.Reply(ctx, req.ID, mcp.MustValueOf(map[string]any{
		"prompts": []mcp.Prompt{{Name: "summarize"}, {Name: "translate"}},
	}))
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if _, err := await(t, prompts); err != nil {
		t.Fatalf("ListPrompts() error = %v", err)
	}

	cachedTemplates := cli.CachedResourceTemplates()
	if len(cachedTemplates) != 1 || cachedTemplates[0].URITemplate != "file:///logs/{name}" {
		t.Errorf("CachedResourceTemplates() = %+v", cachedTemplates)
	}
	cachedPrompts := cli.CachedPrompts()
	if len(cachedPrompts) != 2 || cachedPrompts[0].Name != "summarize" || cachedPrompts[1].Name != "translate" {
		t.Errorf("CachedPrompts() = %+v", cachedPrompts)
	}

	// The cache hands out copies.
	cachedPrompts[0].Name = "changed"
	if got := cli.CachedPrompts(); got[0].Name != "summarize" {
		t.Errorf("CachedPrompts() after caller mutation = %+v", got)
	}
}

func TestClientKeepAlive(t *testing.T) {
	ctx := testContext(t)

	peer, dialer := mcptest.Pipe(mcp.WithStreamLogger(discardLogger()))
	srv := mcptest.NewServer(nil)
	srv.Logger = discardLogger()
	go func() { _ = srv.Serve(ctx, peer) }()

	cli := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, dialer,
		mcp.WithClientLogger(discardLogger()),
		mcp.WithClientPingInterval(20*time.Millisecond),
	)
	t.Cleanup(func() {
		_ = cli.Close()
		_ = peer.Close()
	})
	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, err := cli.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	eventually(t, func() bool {
		pings := 0
		for _, m := range srv.Seen() {
			if m.Method == mcp.MethodPing {
				pings++
			}
		}
		return pings >= 3
	})
	if got := cli.State(); got != mcp.StateReady {
		t.Errorf("State() = %v, want %v", got, mcp.StateReady)
	}
}

func TestClientKeepAliveClosesUnresponsiveConnection(t *testing.T) {
	ctx := testContext(t)
	cli, peer := newReadyClient(ctx, t,
		mcp.WithClientPingInterval(20*time.Millisecond),
		mcp.WithClientPingTimeoutThreshold(1),
		mcp.WithClientRequestTimeout(200*time.Millisecond),
	)

	// Swallow pings without answering them.
	go func() {
		for {
			if _, err := peer.Next(ctx); err != nil {
				return
			}
		}
	}()

	select {
	case <-cli.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client still running after unanswered pings")
	}

	_, err := cli.ListTools(ctx)
	if !errors.Is(err, mcp.ErrConnectionClosed) {
		t.Errorf("ListTools() error = %v, want ErrConnectionClosed", err)
	}
	if !errors.Is(err, mcp.ErrTimeout) {
		t.Errorf("ListTools() error = %v, want ErrTimeout", err)
	}
}
