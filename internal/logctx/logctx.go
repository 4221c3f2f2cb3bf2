// Package logctx carries request metadata in a context so that every log line written
// while the request is in flight is annotated with it.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps a slog.Handler and adds the rpc, sess and tool groups found in the
// record's context.
type Handler struct {
	slog.Handler
}

// RPCMessage describes the JSON-RPC message being processed.
type RPCMessage struct {
	Method string
	ID     string
	// Type is one of "request", "notification" or "response".
	Type string
}

// SessionData describes the client session a log line belongs to.
type SessionData struct {
	ClientID        string
	Server          string
	ProtocolVersion string
}

// ToolCallData names the tool being invoked.
type ToolCallData struct {
	ToolName string
}

type (
	rpcMsgKey       struct{}
	sessionDataKey  struct{}
	toolCallDataKey struct{}
)

// New wraps h, or the default logger's handler when h is nil.
func New(h slog.Handler) Handler {
	if h == nil {
		h = slog.Default().Handler()
	}
	if lh, ok := h.(Handler); ok {
		return lh
	}
	return Handler{Handler: h}
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("client_id", sd.ClientID),
			slog.String("server", sd.Server),
			slog.String("protocol_version", sd.ProtocolVersion),
		))
	}

	if msg, ok := ctx.Value(rpcMsgKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	if td, ok := ctx.Value(toolCallDataKey{}).(*ToolCallData); ok {
		r.AddAttrs(slog.Group("tool",
			slog.String("name", td.ToolName),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsgKey{}, msg)
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

func WithToolCallData(ctx context.Context, data *ToolCallData) context.Context {
	return context.WithValue(ctx, toolCallDataKey{}, data)
}
