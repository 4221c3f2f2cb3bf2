package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cast"

	mcp "github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/catalog"
)

type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) OnProgress(params mcp.ProgressParams) {
	if params.Total > 0 {
		p.printf("progress %s: %.0f/%.0f\n", params.ProgressToken, params.Progress, params.Total)
		return
	}
	p.printf("progress %s: %.0f\n", params.ProgressToken, params.Progress)
}

func (p *printer) OnLog(params mcp.LogParams) {
	p.printf("[server %s] %s %s\n", params.Level, params.Logger, params.Data)
}

func (p *printer) OnToolListChanged() {
	p.printf("server tool list changed\n")
}

func (p *printer) OnResourceListChanged() {
	p.printf("server resource list changed\n")
}

func (p *printer) serverInfo(res mcp.InitializeResult) {
	p.printf("Connected to %s %s (protocol %s)\n", res.ServerInfo.Name, res.ServerInfo.Version, res.ProtocolVersion)
	if res.Instructions != "" {
		p.printf("Instructions: %s\n", res.Instructions)
	}
}

func listAll(ctx context.Context, cli *mcp.Client, out *printer) error {
	caps := cli.ServerCapabilities()

	if caps.Tools != nil {
		tools, err := cli.ListTools(ctx)
		if err != nil {
			return err
		}
		out.printf("\nTools:\n")
		for _, t := range tools {
			out.printf("  %s: %s\n", t.Name, t.Description)
		}
	}

	if caps.Resources != nil {
		resources, err := cli.ListResources(ctx)
		if err != nil {
			return err
		}
		out.printf("\nResources:\n")
		for _, r := range resources {
			out.printf("  %s (%s) %s\n", r.URI, r.Name, r.MimeType)
		}

		templates, err := cli.ListResourceTemplates(ctx)
		if err != nil && !errors.Is(err, mcp.ErrInvocation) {
			return err
		}
		if len(templates) > 0 {
			out.printf("\nResource templates:\n")
			for _, t := range templates {
				out.printf("  %s (%s)\n", t.URITemplate, t.Name)
			}
		}
	}

	if caps.Prompts != nil {
		prompts, err := cli.ListPrompts(ctx)
		if err != nil {
			return err
		}
		out.printf("\nPrompts:\n")
		for _, p := range prompts {
			out.printf("  %s: %s\n", p.Name, p.Description)
		}
	}
	return nil
}

func readResource(ctx context.Context, cli *mcp.Client, out *printer, uri string) error {
	text, err := cli.ReadResource(ctx, uri)
	if err != nil {
		return err
	}
	out.printf("%s\n", text)
	return nil
}

func callTool(ctx context.Context, cli *mcp.Client, out *printer, name string, pairs []string) error {
	tools, err := cli.ListTools(ctx)
	if err != nil {
		return err
	}
	var schema json.RawMessage
	for _, t := range tools {
		if t.Name == name {
			schema = t.InputSchema
		}
	}

	args, err := toolArguments(schema, pairs)
	if err != nil {
		return err
	}

	result, err := cli.CallToolResult(ctx, name, args)
	var invErr *mcp.InvocationError
	if err != nil && !(errors.As(err, &invErr) && invErr.Content != nil) {
		return err
	}
	for _, c := range result.Content {
		switch c.Type {
		case mcp.ContentTypeText:
			out.printf("%s\n", c.Text)
		default:
			out.printf("<%s %s>\n", c.Type, c.MimeType)
		}
	}
	return err
}

func getPrompt(ctx context.Context, cli *mcp.Client, out *printer, name string, pairs []string) error {
	args := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("argument %q is not key=value", pair)
		}
		args[k] = v
	}

	res, err := cli.GetPrompt(ctx, name, args)
	if err != nil {
		return err
	}
	if res.Description != "" {
		out.printf("%s\n", res.Description)
	}
	for _, m := range res.Messages {
		out.printf("%s: %s\n", m.Role, m.Content.Text)
	}
	return nil
}

func syncCatalog(ctx context.Context, cli *mcp.Client, out *printer, store catalog.Store) error {
	key := cli.ServerInfo().Name
	snap, changes, err := catalog.Sync(ctx, store, key, cli)
	if err != nil {
		return err
	}
	out.printf("Stored %d tools, %d resources, %d prompts under %q\n",
		len(snap.Tools), len(snap.Resources), len(snap.Prompts), key)
	if changes.Empty() {
		out.printf("No changes\n")
		return nil
	}
	for _, n := range changes.AddedTools {
		out.printf("+ tool %s\n", n)
	}
	for _, n := range changes.RemovedTools {
		out.printf("- tool %s\n", n)
	}
	for _, n := range changes.AddedResources {
		out.printf("+ resource %s\n", n)
	}
	for _, n := range changes.RemovedResources {
		out.printf("- resource %s\n", n)
	}
	return nil
}

// toolArguments turns key=value pairs into an arguments object, converting each value
// to the type the tool's input schema declares for it.
func toolArguments(schema json.RawMessage, pairs []string) (mcp.Value, error) {
	var s struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if len(schema) > 0 {
		if err := json.Unmarshal(schema, &s); err != nil {
			return mcp.Value{}, fmt.Errorf("invalid input schema: %w", err)
		}
	}

	members := make([]mcp.Member, 0, len(pairs))
	for _, pair := range pairs {
		k, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return mcp.Value{}, fmt.Errorf("argument %q is not key=value", pair)
		}
		v, err := coerce(raw, s.Properties[k].Type)
		if err != nil {
			return mcp.Value{}, fmt.Errorf("argument %q: %w", k, err)
		}
		members = append(members, mcp.Field(k, v))
	}
	return mcp.Object(members...), nil
}

func coerce(raw, typ string) (mcp.Value, error) {
	switch typ {
	case "integer":
		n, err := cast.ToInt64E(raw)
		if err != nil {
			return mcp.Value{}, err
		}
		return mcp.Int(n), nil
	case "number":
		f, err := cast.ToFloat64E(raw)
		if err != nil {
			return mcp.Value{}, err
		}
		return mcp.Float(f), nil
	case "boolean":
		b, err := cast.ToBoolE(raw)
		if err != nil {
			return mcp.Value{}, err
		}
		return mcp.Bool(b), nil
	case "array", "object":
		return mcp.ParseValue([]byte(raw))
	default:
		return mcp.String(raw), nil
	}
}
