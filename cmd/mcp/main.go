// paydash MCP server - exposes the payment dashboard as MCP tools for LLMs
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/paydash/internal/logging"
	"github.com/mbd888/paydash/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL: strings.TrimRight(envOrDefault("API_BASE_URL", "http://localhost:8080"), "/"),
	}
	if v := os.Getenv("PAYDASH_MCP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "PAYDASH_MCP_TIMEOUT: %v\n", err)
			os.Exit(1)
		}
		cfg.Timeout = d
	}

	// stdout carries the MCP protocol; logs go to stderr.
	logger := logging.NewWithWriter(os.Stderr, envOrDefault("LOG_LEVEL", "warn"), "text")

	s := mcpserver.NewMCPServer(cfg, logger)
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
