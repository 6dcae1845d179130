package main

import (
	"context"
	"os"

	"github.com/jon-fox/raspberry-mcp/internal/cli"
	"github.com/jon-fox/raspberry-mcp/internal/config"
)

func main() {
	cfg := config.DefaultConfig()
	r := cli.NewRunner(cfg.SocketPath, os.Stdout, os.Stderr)
	os.Exit(r.Run(context.Background(), os.Args[1:]))
}
