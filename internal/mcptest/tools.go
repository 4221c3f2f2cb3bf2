package mcptest

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	mcp "github.com/MegaGrindStone/go-mcp-client"
)

// ToolFor describes a tool whose arguments are the fields of A.
func ToolFor[A any](name, description string) mcp.Tool {
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		ExpandedStruct: true, // put struct at root
	}
	s := r.Reflect(new(A))
	// The schema draft is noise on the wire.
	s.Version = ""

	raw, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return mcp.Tool{Name: name, Description: description, InputSchema: raw}
}

// ToolsResult builds a tools/list result.
func ToolsResult(tools ...mcp.Tool) mcp.Value {
	return mcp.MustValueOf(map[string]any{"tools": tools})
}

// TextResult builds a tools/call result with one text content item.
func TextResult(text string, isError bool) mcp.Value {
	content := mcp.Array(mcp.Object(
		mcp.Field("type", mcp.String("text")),
		mcp.Field("text", mcp.String(text)),
	))
	if !isError {
		return mcp.Object(mcp.Field("content", content))
	}
	return mcp.Object(mcp.Field("content", content), mcp.Field("isError", mcp.Bool(true)))
}
