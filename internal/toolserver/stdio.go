package toolserver

import (
	"context"
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// StdioDial spawns the server subprocess and completes the MCP initialize
// handshake over its stdio transport. On any failure the client (and with
// it the child process) is closed before returning, so no handle dangles.
func StdioDial(ctx context.Context, cfg ServerConfig) (Client, error) {
	cli, err := mcpclient.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "investd",
		Version: "1.0.0",
	}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("handshake with %s: %w", cfg.Name, err)
	}
	return cli, nil
}
