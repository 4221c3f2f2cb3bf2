// Package catalog keeps snapshots of what MCP servers expose (tools, resources,
// resource templates and prompts) so that consumers can work with a server's
// descriptors without reconnecting to it, and can tell what changed between two
// discoveries.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp-client"
)

// ErrNotFound is returned by Store.Load for unknown keys.
var ErrNotFound = errors.New("catalog: snapshot not found")

// Snapshot is the set of descriptors a server exposed at FetchedAt.
type Snapshot struct {
	Server          mcp.Info               `json:"server"`
	ProtocolVersion string                 `json:"protocolVersion"`
	Tools           []mcp.Tool             `json:"tools,omitempty"`
	Resources       []mcp.Resource         `json:"resources,omitempty"`
	Templates       []mcp.ResourceTemplate `json:"resourceTemplates,omitempty"`
	Prompts         []mcp.Prompt           `json:"prompts,omitempty"`
	FetchedAt       time.Time              `json:"fetchedAt"`
}

// Store persists snapshots under caller-chosen keys.
type Store interface {
	Save(ctx context.Context, key string, snap Snapshot) error
	// Load returns ErrNotFound when nothing is stored under key.
	Load(ctx context.Context, key string) (Snapshot, error)
	Delete(ctx context.Context, key string) error
	// Keys returns the stored keys in lexical order.
	Keys(ctx context.Context) ([]string, error)
}

// Source is an initialized session to discover descriptors from. *mcp.Client and
// *mcp.Session implement it.
type Source interface {
	InitializeResult() (mcp.InitializeResult, bool)
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ListResourceTemplates(ctx context.Context) ([]mcp.ResourceTemplate, error)
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
}

// Changes lists the names (URIs for resources) that differ between two snapshots.
type Changes struct {
	AddedTools       []string
	RemovedTools     []string
	AddedResources   []string
	RemovedResources []string
	AddedPrompts     []string
	RemovedPrompts   []string
}

// Capture lists everything src's server advertises. Categories the server has no
// capability for are left empty.
func Capture(ctx context.Context, src Source) (Snapshot, error) {
	res, ok := src.InitializeResult()
	if !ok {
		return Snapshot{}, fmt.Errorf("catalog: %w: session is not initialized", mcp.ErrInvalidState)
	}

	snap := Snapshot{
		Server:          res.ServerInfo,
		ProtocolVersion: res.ProtocolVersion,
		FetchedAt:       time.Now().UTC(),
	}

	var err error
	if res.Capabilities.Tools != nil {
		if snap.Tools, err = src.ListTools(ctx); err != nil {
			return Snapshot{}, fmt.Errorf("failed to list tools: %w", err)
		}
	}
	if res.Capabilities.Resources != nil {
		if snap.Resources, err = src.ListResources(ctx); err != nil {
			return Snapshot{}, fmt.Errorf("failed to list resources: %w", err)
		}
		if snap.Templates, err = src.ListResourceTemplates(ctx); err != nil {
			// Templates are optional even for resource servers.
			if !isMethodMissing(err) {
				return Snapshot{}, fmt.Errorf("failed to list resource templates: %w", err)
			}
			snap.Templates = nil
		}
	}
	if res.Capabilities.Prompts != nil {
		if snap.Prompts, err = src.ListPrompts(ctx); err != nil {
			return Snapshot{}, fmt.Errorf("failed to list prompts: %w", err)
		}
	}

	return snap, nil
}

// Sync captures src and saves the snapshot under key. It returns the new snapshot and
// what changed compared to the previously stored one.
func Sync(ctx context.Context, store Store, key string, src Source) (Snapshot, Changes, error) {
	snap, err := Capture(ctx, src)
	if err != nil {
		return Snapshot{}, Changes{}, err
	}

	prev, err := store.Load(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Snapshot{}, Changes{}, fmt.Errorf("failed to load snapshot %q: %w", key, err)
	}

	if err := store.Save(ctx, key, snap); err != nil {
		return Snapshot{}, Changes{}, fmt.Errorf("failed to save snapshot %q: %w", key, err)
	}
	return snap, Diff(prev, snap), nil
}

// Diff compares two snapshots by tool name, resource URI and prompt name.
func Diff(old, cur Snapshot) Changes {
	var c Changes
	c.AddedTools, c.RemovedTools = diffNames(names(old.Tools, toolName), names(cur.Tools, toolName))
	c.AddedResources, c.RemovedResources = diffNames(names(old.Resources, resourceURI), names(cur.Resources, resourceURI))
	c.AddedPrompts, c.RemovedPrompts = diffNames(names(old.Prompts, promptName), names(cur.Prompts, promptName))
	return c
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.AddedTools)+len(c.RemovedTools)+
		len(c.AddedResources)+len(c.RemovedResources)+
		len(c.AddedPrompts)+len(c.RemovedPrompts) == 0
}

// Tool returns the tool called name.
func (s Snapshot) Tool(name string) (mcp.Tool, bool) {
	i := slices.IndexFunc(s.Tools, func(t mcp.Tool) bool { return t.Name == name })
	if i < 0 {
		return mcp.Tool{}, false
	}
	return s.Tools[i], true
}

// Resource returns the resource at uri.
func (s Snapshot) Resource(uri string) (mcp.Resource, bool) {
	i := slices.IndexFunc(s.Resources, func(r mcp.Resource) bool { return r.URI == uri })
	if i < 0 {
		return mcp.Resource{}, false
	}
	return s.Resources[i], true
}

func toolName(t mcp.Tool) string        { return t.Name }
func resourceURI(r mcp.Resource) string { return r.URI }
func promptName(p mcp.Prompt) string    { return p.Name }

func names[T any](items []T, key func(T) string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, key(it))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func diffNames(old, cur []string) (added, removed []string) {
	for _, n := range cur {
		if _, found := slices.BinarySearch(old, n); !found {
			added = append(added, n)
		}
	}
	for _, n := range old {
		if _, found := slices.BinarySearch(cur, n); !found {
			removed = append(removed, n)
		}
	}
	return added, removed
}

func isMethodMissing(err error) bool {
	var inv *mcp.InvocationError
	return errors.As(err, &inv) && inv.Remote != nil && inv.Remote.Code == -32601
}
