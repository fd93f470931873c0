package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdobrica/Kioku/common/version"
	"github.com/bdobrica/Kioku/internal/kioku/app"
	"github.com/bdobrica/Kioku/internal/kioku/config"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
)

func main() {
	configPath := flag.String("config", os.Getenv("KIOKU_CONFIG"), "path to a YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	fmt.Printf("Kioku conversational memory %s\n\n", version.Info())
	if *showVersion {
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := observability.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr, cfg.Secrets()...)
	logger.Info("starting", "version", version.Version, "commit", version.GitCommit,
		"index", cfg.Index.Backend, "llm", cfg.LLMProvider(), "embedder", cfg.EmbeddingProvider())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kioku, err := app.New(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Kioku: %v\n", err)
		os.Exit(1)
	}
	if err := kioku.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Kioku: %v\n", err)
		os.Exit(1)
	}
}
