// Package mcp connects Vektra to external MCP (Model Context Protocol)
// tool servers and bridges their tools into the tool registry.
//
// Servers are reached over stdio (a subprocess), SSE, or streamable
// HTTP. Bridged tools are named mcp_<server>_<tool> and run like any
// automatic tool; an MCP error result becomes an output-error part.
//
// Vektra is only an MCP client; it does not serve MCP.
package mcp
