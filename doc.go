// Package mcp implements the client side of the Model Context Protocol (MCP): the transports,
// the JSON-RPC message codec, request/response correlation and the session state machine
// that editor plugins and agents use to discover and call tools and read resources exposed
// by an MCP server. It follows the specification at https://spec.modelcontextprotocol.io/specification/.
//
// A Client is created with NewClient from a Dialer (NewStdio for a child process, NewSocket
// for a socket, NewSSE for the HTTP+SSE transport), connected with Connect and then
// initialized:
//
//	client := mcp.NewClient(mcp.Info{Name: "editor", Version: "1.0"}, mcp.NewStdio("my-server"))
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close()
//	if _, err := client.Initialize(ctx); err != nil {
//		return err
//	}
//	out, err := client.CallTool(ctx, "echo", mcp.Object(mcp.Field("text", mcp.String("hi"))))
//
// Every request is bounded by the request timeout. When the connection is lost, all pending
// and later requests fail with an error matching ErrConnectionClosed.
package mcp
