// Package mcp implements the server side of the Model Context Protocol (MCP) for a live tool
// catalog. It follows the official specification from https://modelcontextprotocol.io/specification/.
//
// A Server binds a fixed set of ToolDescriptors once and keeps one updatable handle per tool,
// so descriptions can be rewritten while sessions are live. A SessionManager multiplexes many
// client sessions over that Server, processing each session's requests in order on its own
// goroutine. StreamableServer exposes the SessionManager over the streamable HTTP transport,
// with the session carried in the Mcp-Session-Id header.
package mcp
