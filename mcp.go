package mcp

import (
	"context"
	"iter"
)

// requester is the wire side of a Session: it issues requests and notifications on
// the live connection. Client implements it.
type requester interface {
	// request sends method with params and waits for the response. A remote error
	// response is returned as a *JSONRPCError.
	request(ctx context.Context, method string, params Value) (Value, error)
	notify(ctx context.Context, method string, params Value) error
	// abort tears the connection down after a fatal session failure.
	abort(cause error)
}

// PromptListWatcher provides an interface for receiving notifications when the server's prompt list changes.
// The cached prompt list is not refreshed automatically; call ListPrompts to do so.
type PromptListWatcher interface {
	// OnPromptListChanged is called when the server notifies that its prompt list has changed.
	OnPromptListChanged()
}

// ResourceListWatcher provides an interface for receiving notifications when the server's resource list changes.
// Implementations typically call ListResources in response. Watchers run on their own goroutine, in the order the
// notifications arrived, so they may call back into the client.
type ResourceListWatcher interface {
	// OnResourceListChanged is called when the server notifies that its resource list has changed.
	OnResourceListChanged()
}

// ResourceSubscribedWatcher provides an interface for receiving notifications when a subscribed resource changes.
type ResourceSubscribedWatcher interface {
	// OnResourceSubscribedChanged is called when the server notifies that a subscribed resource has changed.
	OnResourceSubscribedChanged(uri string)
}

// ToolListWatcher provides an interface for receiving notifications when the server's tool list changes.
// The cached tool list is not refreshed automatically; call ListTools to do so.
type ToolListWatcher interface {
	// OnToolListChanged is called when the server notifies that its tool list has changed.
	OnToolListChanged()
}

// ProgressListener provides an interface for receiving progress updates on long-running operations.
// When a listener is set, tool calls carry a progress token so that servers can report progress.
type ProgressListener interface {
	// OnProgress is called when a progress update is received for an operation.
	OnProgress(params ProgressParams)
}

// LogReceiver provides an interface for receiving log messages from the server.
type LogReceiver interface {
	// OnLog is called when a log message is received from the server.
	OnLog(params LogParams)
}

// RootsListHandler answers the server's roots/list requests. Setting one advertises the
// roots capability in the handshake.
type RootsListHandler interface {
	// RootsList returns the list of available root resources.
	// Returns error if operation fails or context is cancelled.
	RootsList(ctx context.Context) (RootList, error)
}

// RootsListUpdater provides an interface for monitoring changes to the available roots list.
// Every value the iterator yields after the handshake is sent to the server as a
// roots list changed notification.
type RootsListUpdater interface {
	// RootsListUpdates returns an iterator that emits notifications when the root list changes.
	RootsListUpdates() iter.Seq[struct{}]
}

// SamplingHandler provides an interface for generating AI model responses based on conversation history.
// Setting one advertises the sampling capability in the handshake.
type SamplingHandler interface {
	// CreateSampleMessage generates a response message based on the provided conversation history and parameters.
	// Returns error if model selection fails, generation fails, token limit is exceeded, or context is cancelled.
	CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error)
}
