package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/MegaGrindStone/go-mcp-client/internal/logctx"
)

// State is the lifecycle state of a Session.
type State int32

// Session states. A session moves forward only:
// Uninitialized -> Handshaking -> Ready -> Closed, or Handshaking -> Closed when the
// handshake fails.
const (
	StateUninitialized State = iota
	StateHandshaking
	StateReady
	StateClosed
)

// Session runs the initialize handshake and exposes the typed MCP operations on top of
// a connection. Operations are permitted only in StateReady; in any other state they
// fail with an *InvalidStateError without touching the wire.
//
// Server capabilities and the negotiated protocol version are fixed once the handshake
// succeeds. Descriptor lists are cached and replaced only by the List methods.
type Session struct {
	conn         requester
	info         Info
	capabilities ClientCapabilities
	versions     []string
	logger       *slog.Logger

	// progressToken returns a fresh token for requests that want progress updates, or
	// nil when nobody listens for them.
	progressToken func() string

	mu        sync.RWMutex
	state     State
	result    InitializeResult
	closeErr  error
	tools     []Tool
	resources []Resource
	templates []ResourceTemplate
	prompts   []Prompt
}

type requestMeta struct {
	ProgressToken string `json:"progressToken,omitempty"`
}

type callToolRequest struct {
	callToolParams
	Meta *requestMeta `json:"_meta,omitempty"`
}

func newSession(conn requester, info Info, versions []string, logger *slog.Logger) *Session {
	return &Session{
		conn:     conn,
		info:     info,
		versions: versions,
		logger:   logger,
	}
}

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Initialize performs the handshake: it sends the protocol version, the client
// capabilities and the client info, validates the server's answer and then sends the
// initialized notification. Any failure closes the session and the connection; errors
// match ErrHandshake, and a rejected version or error response is a *HandshakeError.
func (s *Session) Initialize(ctx context.Context) (InitializeResult, error) {
	s.mu.Lock()
	if s.state != StateUninitialized {
		state := s.state
		s.mu.Unlock()
		return InitializeResult{}, &InvalidStateError{Op: MethodInitialize, State: state}
	}
	s.state = StateHandshaking
	s.mu.Unlock()

	params, err := ValueOf(initializeParams{
		ProtocolVersion: s.versions[0],
		Capabilities:    s.capabilities,
		ClientInfo:      s.info,
	})
	if err != nil {
		return InitializeResult{}, s.failHandshake(fmt.Errorf("%w: failed to marshal initialize params: %w", ErrHandshake, err))
	}

	raw, err := s.conn.request(ctx, MethodInitialize, params)
	if err != nil {
		var rpcErr *JSONRPCError
		if errors.As(err, &rpcErr) {
			return InitializeResult{}, s.failHandshake(&HandshakeError{Reason: "server rejected initialize", Remote: rpcErr})
		}
		return InitializeResult{}, s.failHandshake(fmt.Errorf("%w: %w", ErrHandshake, err))
	}

	var result InitializeResult
	if err := raw.Decode(&result); err != nil {
		return InitializeResult{}, s.failHandshake(&HandshakeError{Reason: fmt.Sprintf("invalid initialize result: %v", err)})
	}
	if !slices.Contains(s.versions, result.ProtocolVersion) {
		return InitializeResult{}, s.failHandshake(&HandshakeError{
			Reason: fmt.Sprintf("unsupported protocol version %q, want one of %s",
				result.ProtocolVersion, strings.Join(s.versions, ", ")),
		})
	}

	if err := s.conn.notify(ctx, methodNotificationsInitialized, Null()); err != nil {
		return InitializeResult{}, s.failHandshake(fmt.Errorf("%w: failed to send initialized notification: %w", ErrHandshake, err))
	}

	s.mu.Lock()
	if s.state != StateHandshaking {
		// The connection dropped while the handshake was completing.
		cause := s.closeErr
		s.mu.Unlock()
		return InitializeResult{}, fmt.Errorf("%w: %w", ErrHandshake, connectionClosed(cause))
	}
	s.result = result
	s.state = StateReady
	s.mu.Unlock()

	s.logger.Info("session initialized",
		slog.String("server", result.ServerInfo.Name),
		slog.String("server_version", result.ServerInfo.Version),
		slog.String("protocol_version", result.ProtocolVersion),
	)

	return result, nil
}

// InitializeResult returns the server's handshake answer. The second result is false
// until the handshake has succeeded.
func (s *Session) InitializeResult() (InitializeResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.result.ProtocolVersion == "" {
		return InitializeResult{}, false
	}
	return s.result, true
}

// ServerInfo returns the server's info.
func (s *Session) ServerInfo() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result.ServerInfo
}

// ServerCapabilities returns a copy of the capabilities advertised by the server.
func (s *Session) ServerCapabilities() ServerCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyCapabilities(s.result.Capabilities)
}

// Ping checks that the server is alive.
func (s *Session) Ping(ctx context.Context) error {
	if err := s.ready(MethodPing); err != nil {
		return err
	}
	if _, err := s.conn.request(ctx, MethodPing, Object()); err != nil {
		return s.remoteError(MethodPing, err)
	}
	return nil
}

// ListTools retrieves every tool the server exposes, following pagination cursors, and
// replaces the cached tool list.
func (s *Session) ListTools(ctx context.Context) ([]Tool, error) {
	if err := s.requireCapability(MethodToolsList, func(c ServerCapabilities) bool { return c.Tools != nil }); err != nil {
		return nil, err
	}

	tools, err := listAll(ctx, s, MethodToolsList, func(raw Value) ([]Tool, string, error) {
		var page listToolsResult
		err := raw.Decode(&page)
		return page.Tools, page.NextCursor, err
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()

	return slices.Clone(tools), nil
}

// ListResources retrieves every resource the server exposes and replaces the cached
// resource list.
func (s *Session) ListResources(ctx context.Context) ([]Resource, error) {
	if err := s.requireCapability(MethodResourcesList, hasResources); err != nil {
		return nil, err
	}

	resources, err := listAll(ctx, s, MethodResourcesList, func(raw Value) ([]Resource, string, error) {
		var page listResourcesResult
		err := raw.Decode(&page)
		return page.Resources, page.NextCursor, err
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.resources = resources
	s.mu.Unlock()

	return slices.Clone(resources), nil
}

// ListResourceTemplates retrieves every resource template and replaces the cached list.
func (s *Session) ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error) {
	if err := s.requireCapability(MethodResourcesTemplatesList, hasResources); err != nil {
		return nil, err
	}

	templates, err := listAll(ctx, s, MethodResourcesTemplatesList, func(raw Value) ([]ResourceTemplate, string, error) {
		var page listResourceTemplatesResult
		err := raw.Decode(&page)
		return page.Templates, page.NextCursor, err
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.templates = templates
	s.mu.Unlock()

	return slices.Clone(templates), nil
}

// ListPrompts retrieves every prompt and replaces the cached list.
func (s *Session) ListPrompts(ctx context.Context) ([]Prompt, error) {
	if err := s.requireCapability(MethodPromptsList, func(c ServerCapabilities) bool { return c.Prompts != nil }); err != nil {
		return nil, err
	}

	prompts, err := listAll(ctx, s, MethodPromptsList, func(raw Value) ([]Prompt, string, error) {
		var page listPromptsResult
		err := raw.Decode(&page)
		return page.Prompts, page.NextCursor, err
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.prompts = prompts
	s.mu.Unlock()

	return slices.Clone(prompts), nil
}

// CachedTools returns the tool list from the last successful ListTools call.
func (s *Session) CachedTools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tools)
}

// CachedResources returns the resource list from the last successful ListResources call.
func (s *Session) CachedResources() []Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.resources)
}

// CachedResourceTemplates returns the templates from the last ListResourceTemplates call.
func (s *Session) CachedResourceTemplates() []ResourceTemplate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.templates)
}

// CachedPrompts returns the prompts from the last ListPrompts call.
func (s *Session) CachedPrompts() []Prompt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.prompts)
}

// ReadResourceContents reads the resource at uri. A resource unknown to the server is
// reported as a *ResourceNotFoundError.
func (s *Session) ReadResourceContents(ctx context.Context, uri string) ([]ResourceContents, error) {
	if err := s.requireCapability(MethodResourcesRead, hasResources); err != nil {
		return nil, err
	}

	params, err := ValueOf(readResourceParams{URI: uri})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	raw, err := s.conn.request(ctx, MethodResourcesRead, params)
	if err != nil {
		var rpcErr *JSONRPCError
		if errors.As(err, &rpcErr) && (rpcErr.Code == mcpResourceNotFoundCode || isNotFound(rpcErr)) {
			return nil, &ResourceNotFoundError{URI: uri, Remote: rpcErr}
		}
		return nil, s.remoteError(MethodResourcesRead, err)
	}

	var result readResourceResult
	if err := raw.Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s result: %w", MethodResourcesRead, err)
	}
	return result.Contents, nil
}

// ReadResource reads the resource at uri and returns its content as a string: the text
// of text resources and the base64 payload of binary ones, joined by newlines when the
// server returns more than one part.
func (s *Session) ReadResource(ctx context.Context, uri string) (string, error) {
	contents, err := s.ReadResourceContents(ctx, uri)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, len(contents))
	for _, c := range contents {
		if c.Text != "" || c.Blob == "" {
			parts = append(parts, c.Text)
			continue
		}
		parts = append(parts, c.Blob)
	}
	return strings.Join(parts, "\n"), nil
}

// ReadResourceTemplate expands template with vars and reads the resulting resource.
func (s *Session) ReadResourceTemplate(ctx context.Context, template string, vars map[string]any) ([]ResourceContents, error) {
	uri, err := ExpandTemplate(template, vars)
	if err != nil {
		return nil, err
	}
	return s.ReadResourceContents(ctx, uri)
}

// SubscribeResource asks the server to report changes of the resource at uri to the
// ResourceSubscribedWatcher.
func (s *Session) SubscribeResource(ctx context.Context, uri string) error {
	return s.subscription(ctx, MethodResourcesSubscribe, uri)
}

// UnsubscribeResource cancels a subscription made with SubscribeResource.
func (s *Session) UnsubscribeResource(ctx context.Context, uri string) error {
	return s.subscription(ctx, MethodResourcesUnsubscribe, uri)
}

// CallToolResult invokes the tool name with args and returns the decoded result. A tool
// unknown to the server is reported as a *ToolNotFoundError. Error responses and
// results flagged with isError are reported as an *InvocationError; in the latter case
// the decoded result is returned as well.
func (s *Session) CallToolResult(ctx context.Context, name string, args Value) (CallToolResult, error) {
	_, result, err := s.callTool(ctx, name, args)
	return result, err
}

// CallTool invokes the tool name with args and returns the raw result object.
func (s *Session) CallTool(ctx context.Context, name string, args Value) (Value, error) {
	raw, _, err := s.callTool(ctx, name, args)
	if err != nil {
		return Value{}, err
	}
	return raw, nil
}

// GetPrompt retrieves the prompt name rendered with args.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]string) (GetPromptResult, error) {
	if err := s.requireCapability(MethodPromptsGet, func(c ServerCapabilities) bool { return c.Prompts != nil }); err != nil {
		return GetPromptResult{}, err
	}

	params, err := ValueOf(getPromptParams{Name: name, Arguments: args})
	if err != nil {
		return GetPromptResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	raw, err := s.conn.request(ctx, MethodPromptsGet, params)
	if err != nil {
		return GetPromptResult{}, s.remoteError(MethodPromptsGet, err)
	}

	var result GetPromptResult
	if err := raw.Decode(&result); err != nil {
		return GetPromptResult{}, fmt.Errorf("failed to unmarshal %s result: %w", MethodPromptsGet, err)
	}
	return result, nil
}

// CompletesPrompt asks the server for completion suggestions for an argument of the
// prompt name.
func (s *Session) CompletesPrompt(ctx context.Context, name string, arg CompletionArgument) (CompletionResult, error) {
	if err := s.requireCapability(MethodCompletionComplete, func(c ServerCapabilities) bool { return c.Prompts != nil }); err != nil {
		return CompletionResult{}, err
	}
	return s.complete(ctx, completionRef{Type: completionRefPrompt, Name: name}, arg)
}

// CompletesResourceTemplate asks the server for completion suggestions for a variable
// of the resource template uriTemplate.
func (s *Session) CompletesResourceTemplate(ctx context.Context, uriTemplate string, arg CompletionArgument) (CompletionResult, error) {
	if err := s.requireCapability(MethodCompletionComplete, hasResources); err != nil {
		return CompletionResult{}, err
	}
	return s.complete(ctx, completionRef{Type: completionRefResource, URI: uriTemplate}, arg)
}

func (s *Session) complete(ctx context.Context, ref completionRef, arg CompletionArgument) (CompletionResult, error) {
	params, err := ValueOf(completeParams{Ref: ref, Argument: arg})
	if err != nil {
		return CompletionResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	raw, err := s.conn.request(ctx, MethodCompletionComplete, params)
	if err != nil {
		return CompletionResult{}, s.remoteError(MethodCompletionComplete, err)
	}

	var result CompletionResult
	if err := raw.Decode(&result); err != nil {
		return CompletionResult{}, fmt.Errorf("failed to unmarshal %s result: %w", MethodCompletionComplete, err)
	}
	return result, nil
}

// SetLogLevel sets the minimum severity of the log messages the server sends to the
// LogReceiver.
func (s *Session) SetLogLevel(ctx context.Context, level LogLevel) error {
	if err := s.requireCapability(MethodLoggingSetLevel, func(c ServerCapabilities) bool { return c.Logging != nil }); err != nil {
		return err
	}

	params, err := ValueOf(setLogLevelParams{Level: level})
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if _, err := s.conn.request(ctx, MethodLoggingSetLevel, params); err != nil {
		return s.remoteError(MethodLoggingSetLevel, err)
	}
	return nil
}

func (s *Session) callTool(ctx context.Context, name string, args Value) (Value, CallToolResult, error) {
	if err := s.requireCapability(MethodToolsCall, func(c ServerCapabilities) bool { return c.Tools != nil }); err != nil {
		return Value{}, CallToolResult{}, err
	}

	req := callToolRequest{callToolParams: callToolParams{Name: name, Arguments: args}}
	if s.progressToken != nil {
		req.Meta = &requestMeta{ProgressToken: s.progressToken()}
	}
	params, err := ValueOf(req)
	if err != nil {
		return Value{}, CallToolResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: name})
	raw, err := s.conn.request(ctx, MethodToolsCall, params)
	if err != nil {
		var rpcErr *JSONRPCError
		if errors.As(err, &rpcErr) {
			if isToolNotFound(rpcErr) {
				return Value{}, CallToolResult{}, &ToolNotFoundError{Name: name, Remote: rpcErr}
			}
			return Value{}, CallToolResult{}, &InvocationError{Method: MethodToolsCall, Tool: name, Remote: rpcErr}
		}
		return Value{}, CallToolResult{}, err
	}

	var result CallToolResult
	if err := raw.Decode(&result); err != nil {
		return Value{}, CallToolResult{}, fmt.Errorf("failed to unmarshal %s result: %w", MethodToolsCall, err)
	}
	if result.IsError {
		s.logger.WarnContext(ctx, "tool reported an error")
		return raw, result, &InvocationError{Method: MethodToolsCall, Tool: name, Content: result.Content}
	}
	return raw, result, nil
}

func (s *Session) subscription(ctx context.Context, method, uri string) error {
	err := s.requireCapability(method, func(c ServerCapabilities) bool {
		return c.Resources != nil && c.Resources.Subscribe
	})
	if err != nil {
		return err
	}

	params, err := ValueOf(readResourceParams{URI: uri})
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if _, err := s.conn.request(ctx, method, params); err != nil {
		return s.remoteError(method, err)
	}
	return nil
}

// ready returns nil when op may be issued. Once the session is closed, the error also
// matches the cause of the closure, which is ErrConnectionClosed for a lost connection.
func (s *Session) ready(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch s.state {
	case StateReady:
		return nil
	case StateClosed:
		return fmt.Errorf("%w: %w", &InvalidStateError{Op: op, State: s.state}, connectionClosed(s.closeErr))
	default:
		return &InvalidStateError{Op: op, State: s.state}
	}
}

func (s *Session) requireCapability(op string, supported func(ServerCapabilities) bool) error {
	if err := s.ready(op); err != nil {
		return err
	}
	s.mu.RLock()
	ok := supported(s.result.Capabilities)
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", op, ErrCapabilityNotSupported)
	}
	return nil
}

// remoteError wraps error responses into an *InvocationError and passes everything
// else through.
func (s *Session) remoteError(method string, err error) error {
	var rpcErr *JSONRPCError
	if errors.As(err, &rpcErr) {
		return &InvocationError{Method: method, Remote: rpcErr}
	}
	return err
}

func (s *Session) failHandshake(err error) error {
	s.close(err)
	s.conn.abort(err)
	s.logger.Error("handshake failed", "err", err)
	return err
}

// close moves the session to StateClosed. Only the first cause is kept.
func (s *Session) close(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.closeErr = cause
}

func listAll[T any](ctx context.Context, s *Session, method string, page func(Value) ([]T, string, error)) ([]T, error) {
	var (
		all    []T
		cursor string
	)
	for range maxListPages {
		params, err := ValueOf(listParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		raw, err := s.conn.request(ctx, method, params)
		if err != nil {
			return nil, s.remoteError(method, err)
		}

		items, next, err := page(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s result: %w", method, err)
		}
		all = append(all, items...)
		if next == "" {
			if all == nil {
				all = []T{}
			}
			return all, nil
		}
		cursor = next
	}
	return nil, fmt.Errorf("%s: server returned more than %d pages", method, maxListPages)
}

func hasResources(c ServerCapabilities) bool { return c.Resources != nil }

func isToolNotFound(e *JSONRPCError) bool {
	switch e.Code {
	case jsonRPCMethodNotFoundCode, jsonRPCInvalidParamsCode, mcpResourceNotFoundCode:
		return isNotFound(e)
	}
	return false
}

func copyCapabilities(c ServerCapabilities) ServerCapabilities {
	out := ServerCapabilities{}
	if c.Prompts != nil {
		p := *c.Prompts
		out.Prompts = &p
	}
	if c.Resources != nil {
		r := *c.Resources
		out.Resources = &r
	}
	if c.Tools != nil {
		t := *c.Tools
		out.Tools = &t
	}
	if c.Logging != nil {
		out.Logging = &LoggingCapability{}
	}
	return out
}
