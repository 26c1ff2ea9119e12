// Command kuzumem-mcp starts the repository-scoped memory bank MCP server.
package main

import "github.com/evolv3ai/kuzumem-mcp/cmd/kuzumem-mcp/cmd"

func main() {
	cmd.Execute()
}
