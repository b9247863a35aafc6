package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MaxMinsk/HaMapAddon/internal/app"
	"github.com/MaxMinsk/HaMapAddon/internal/config"
	"github.com/MaxMinsk/HaMapAddon/internal/models"
	"github.com/MaxMinsk/HaMapAddon/internal/workflow"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config.yaml (default: search ., ./config, /data)")
		reason     = flag.String("reason", workflow.ReasonCLI, "Reason recorded for the run")
		asJSON     = flag.Bool("json", false, "Print the result as JSON")
		timeout    = flag.Duration("timeout", 0, "Abort the run after this long (0 = no limit)")
	)
	flag.Parse()

	cfg, err := config.NewConfigLoader().WithConfigFile(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(2)
	}

	// stdout carries the result
	cfg.Logging.Output = "stderr"

	result, err := runOnce(cfg, *reason, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sync failed: %v\n", err)
		os.Exit(2)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else {
		printResult(result)
	}

	if !result.Success {
		os.Exit(1)
	}
}

func runOnce(cfg *config.AppConfig, reason string, timeout time.Duration) (models.SyncResult, error) {
	services, err := app.Build(cfg)
	if err != nil {
		return models.SyncResult{}, err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = services.Close(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return services.Sync.RunOnce(ctx, reason), nil
}

func printResult(r models.SyncResult) {
	fmt.Printf("Status:     %s\n", r.Status)
	fmt.Printf("Message:    %s\n", r.Message)
	fmt.Printf("Examined:   %d\n", r.Examined)
	fmt.Printf("Downloaded: %d\n", r.Downloaded)
	fmt.Printf("Skipped:    %d\n", r.Skipped)
	if !r.StartedAt.IsZero() {
		fmt.Printf("Duration:   %s\n", r.Duration.Round(time.Millisecond))
	}
}
