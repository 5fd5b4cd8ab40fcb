// Package main is the detached runner entry point. The manager execs this
// binary with a single agent id argument; it supervises that agent to a
// terminal status and exits.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/camdev/cam/internal/common/config"
	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/runner"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <agent-id>\n", os.Args[0])
		os.Exit(2)
	}
	agentID := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Detached runners have no terminal; log to the agent's data directory
	// unless the configuration says otherwise.
	logCfg := cfg.Logging
	if logCfg.OutputPath == "" || logCfg.OutputPath == "stderr" || logCfg.OutputPath == "stdout" {
		logCfg.OutputPath = cfg.DataPaths().Root + "/runner.log"
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	if err := runner.Run(cfg, log, agentID); err != nil {
		log.Error("runner failed", zap.String("agent_id", agentID), zap.Error(err))
		os.Exit(1)
	}
}
