// chanescrow MCP server - exposes operator lookups and dispute resolution as MCP tools
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/chanescrow/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:      envOrDefault("CHANESCROW_API_URL", "http://localhost:8080"),
		AdminSecret: os.Getenv("CHANESCROW_ADMIN_SECRET"),
		AdminID:     envOrDefault("CHANESCROW_ADMIN_ID", "mcp"),
	}

	if cfg.AdminSecret == "" {
		fmt.Fprintln(os.Stderr, "CHANESCROW_ADMIN_SECRET is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
