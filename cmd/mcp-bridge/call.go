package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/vikashloomba/mcp-bridge-go/pkg/mcpmgr"
)

// runCall talks to one discovered backend directly, without the HTTP front
// end: with only a backend it lists its tools, with a tool it calls it.
func runCall(ctx context.Context, configPath string, args []string, out io.Writer) error {
	if len(args) < 1 || len(args) > 3 {
		return fmt.Errorf("usage: mcp-bridge call <backend> [tool] [json-arguments]")
	}
	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	res, err := discover(ctx, cfg, logger)
	if err != nil {
		return err
	}
	var backend *mcpmgr.Backend
	for _, b := range cfg.Apply(res.Backends) {
		if b.Name == args[0] {
			backend = b
		}
	}
	if backend == nil {
		return fmt.Errorf("%w: %q", mcpmgr.ErrUnknownBackend, args[0])
	}

	mgrOpts := cfg.ManagerOptions()
	mgrOpts.Logger = logger
	manager := mcpmgr.NewManager(mgrOpts)
	defer manager.CloseTimeout(closeTimeout)
	if err := manager.AddBackend(backend); err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if len(args) == 1 {
		tools, err := manager.ListTools(ctx, backend.Name)
		if err != nil {
			return err
		}
		return enc.Encode(tools)
	}

	arguments := json.RawMessage(`{}`)
	if len(args) == 3 {
		if !json.Valid([]byte(args[2])) {
			return fmt.Errorf("arguments are not valid JSON: %s", args[2])
		}
		arguments = json.RawMessage(args[2])
	}
	result, err := manager.CallTool(ctx, backend.Name, args[1], arguments)
	if err != nil {
		return err
	}
	return enc.Encode(result)
}
