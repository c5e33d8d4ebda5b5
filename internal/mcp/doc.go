// Package mcp exposes amplifierd sessions, notifications and devices as MCP
// tools over the stdio transport.
//
// Tools call the in-process services registry directly, so an MCP client
// sees the same sessions and rule state as the HTTP API of the same process.
package mcp
