// Package catalogtest provides a conformance suite for catalog.Store implementations.
package catalogtest

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/catalog"
)

// StoreFactory creates a new, empty Store for one test.
type StoreFactory func(t *testing.T) catalog.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("SaveAndLoad", func(t *testing.T) { testSaveAndLoad(t, factory) })
	t.Run("LoadMissingKey", func(t *testing.T) { testLoadMissing(t, factory) })
	t.Run("SaveOverwrites", func(t *testing.T) { testOverwrite(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("KeysSorted", func(t *testing.T) { testKeys(t, factory) })
	t.Run("LoadedSnapshotIsDetached", func(t *testing.T) { testDetached(t, factory) })
}

// SampleSnapshot returns a snapshot exercising every descriptor kind.
func SampleSnapshot() catalog.Snapshot {
	return catalog.Snapshot{
		Server:          mcp.Info{Name: "files", Version: "1.0.0"},
		ProtocolVersion: mcp.DefaultProtocolVersion,
		Tools: []mcp.Tool{
			{
				Name:        "echo",
				Description: "Echoes its input",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
			},
		},
		Resources: []mcp.Resource{
			{URI: "file:///a.txt", Name: "a.txt", MimeType: "text/plain"},
		},
		Templates: []mcp.ResourceTemplate{
			{URITemplate: "file:///{path}", Name: "file"},
		},
		Prompts: []mcp.Prompt{
			{Name: "greet", Arguments: []mcp.PromptArgument{{Name: "name", Required: true}}},
		},
		FetchedAt: time.Date(2024, 11, 5, 12, 0, 0, 0, time.UTC),
	}
}

func testSaveAndLoad(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	want := SampleSnapshot()
	if err := s.Save(ctx, "files", want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx, "files")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertSnapshot(t, got, want)
}

func testLoadMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)

	_, err := s.Load(context.Background(), "missing")
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("Load error = %v, want %v", err, catalog.ErrNotFound)
	}
}

func testOverwrite(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	first := SampleSnapshot()
	if err := s.Save(ctx, "files", first); err != nil {
		t.Fatalf("Save: %v", err)
	}
	second := SampleSnapshot()
	second.Server.Version = "2.0.0"
	second.Tools = nil
	if err := s.Save(ctx, "files", second); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx, "files")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assertSnapshot(t, got, second)
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Save(ctx, "files", SampleSnapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, "files"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, "files"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("Load after Delete error = %v, want %v", err, catalog.ErrNotFound)
	}
	// Deleting an unknown key is not an error.
	if err := s.Delete(ctx, "files"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func testKeys(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	for _, key := range []string{"weather", "files", "git"} {
		if err := s.Save(ctx, key, SampleSnapshot()); err != nil {
			t.Fatalf("Save %q: %v", key, err)
		}
	}

	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	want := []string{"files", "git", "weather"}
	if !slices.Equal(keys, want) {
		t.Fatalf("Keys = %v, want %v", keys, want)
	}
}

func testDetached(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Save(ctx, "files", SampleSnapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, "files")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got.Tools[0].Name = "changed"

	again, err := s.Load(ctx, "files")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if again.Tools[0].Name != "echo" {
		t.Fatalf("stored tool name = %q, want %q", again.Tools[0].Name, "echo")
	}
}

func assertSnapshot(t *testing.T, got, want catalog.Snapshot) {
	t.Helper()

	if got.Server != want.Server {
		t.Errorf("Server = %+v, want %+v", got.Server, want.Server)
	}
	if got.ProtocolVersion != want.ProtocolVersion {
		t.Errorf("ProtocolVersion = %q, want %q", got.ProtocolVersion, want.ProtocolVersion)
	}
	if !got.FetchedAt.Equal(want.FetchedAt) {
		t.Errorf("FetchedAt = %v, want %v", got.FetchedAt, want.FetchedAt)
	}
	if len(got.Tools) != len(want.Tools) {
		t.Fatalf("got %d tools, want %d", len(got.Tools), len(want.Tools))
	}
	for i := range want.Tools {
		if got.Tools[i].Name != want.Tools[i].Name || string(got.Tools[i].InputSchema) != string(want.Tools[i].InputSchema) {
			t.Errorf("Tools[%d] = %+v, want %+v", i, got.Tools[i], want.Tools[i])
		}
	}
	if !slices.Equal(got.Resources, want.Resources) {
		t.Errorf("Resources = %+v, want %+v", got.Resources, want.Resources)
	}
	if !slices.Equal(got.Templates, want.Templates) {
		t.Errorf("Templates = %+v, want %+v", got.Templates, want.Templates)
	}
	if len(got.Prompts) != len(want.Prompts) {
		t.Errorf("got %d prompts, want %d", len(got.Prompts), len(want.Prompts))
	}
}
