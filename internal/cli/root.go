// Package cli implements the layered-memory CLI commands.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/layered-memory/internal/chunker"
	"github.com/rcliao/layered-memory/internal/config"
	"github.com/rcliao/layered-memory/internal/embedding"
	"github.com/rcliao/layered-memory/internal/layers"
	"github.com/rcliao/layered-memory/internal/logger"
	"github.com/rcliao/layered-memory/internal/memory"
	"github.com/rcliao/layered-memory/internal/retrieval"
	"github.com/rcliao/layered-memory/internal/store"
	"github.com/rcliao/layered-memory/internal/summarize"
)

var (
	dbPath     string
	configPath string
	formatFlag string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "layered-memory",
	Short: "Layered retrieval memory for conversational agents",
	Long: "Chunk, embed and retrieve memory across emotional, rational, historical and general layers. " +
		"SQLite-backed, single binary.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogging()
	},
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $LAYERED_MEMORY_DB or ~/.layered-memory/memory.db)")
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $LAYERED_MEMORY_CONFIG or ~/.layered-memory/config.yaml)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
}

var loadedConfig *config.Config

func loadConfig() *config.Config {
	if loadedConfig != nil {
		return loadedConfig
	}
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		exitErr("load config", err)
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	loadedConfig = cfg
	return cfg
}

func initLogging() {
	cfg := loadConfig()
	lc := logger.DefaultConfig()
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v, using warn\n", err)
	}
	lc.Level = level
	if cfg.Log.Format != "" {
		lc.Format = cfg.Log.Format
	}
	logger.Init(lc)
}

func getDBPath() string {
	return loadConfig().DBPath
}

func openStore() (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(getDBPath())
}

// openGateway returns nil when no embedding provider is configured.
func openGateway(cfg *config.Config) (*embedding.Gateway, error) {
	provider, err := embedding.NewProvider(embedding.ProviderConfig{
		Provider: cfg.Embedding.Provider,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
	})
	if errors.Is(err, embedding.ErrNoProvider) && cfg.Embedding.Provider == "" {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return embedding.NewGateway(provider, embedding.GatewayConfig{
		TextModel:         cfg.Embedding.TextModel,
		MultimodalModel:   cfg.Embedding.MultimodalModel,
		BatchSize:         cfg.Embedding.BatchSize,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		QueryCacheSize:    cfg.Embedding.QueryCacheSize,
	}, logger.ForComponent("embedding"))
}

// openSummarizer returns nil when no API key is configured.
func openSummarizer(cfg *config.Config) summarize.Summarizer {
	s, err := summarize.NewAnthropic(summarize.Config{
		APIKey:    cfg.Summarizer.APIKey,
		Model:     cfg.Summarizer.Model,
		MaxTokens: cfg.Summarizer.MaxTokens,
	})
	if err != nil {
		slog.Debug("layer synthesis disabled", "error", err)
		return nil
	}
	return s
}

func openService() (*memory.Service, error) {
	cfg := loadConfig()

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	gw, err := openGateway(cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open embedding gateway: %w", err)
	}

	chunking := chunker.Options{
		MaxSize:   cfg.Chunking.MaxSize,
		Overlap:   cfg.Chunking.Overlap,
		MinLength: cfg.Chunking.MinLength,
	}
	return memory.New(st, gw, openSummarizer(cfg), memory.Options{
		Chunking: chunking,
		Retrieval: retrieval.Config{
			TopK:      cfg.Retrieval.TopK,
			PerLayerK: cfg.Retrieval.PerLayerK,
			Weights:   cfg.Retrieval.Weights,
			Timeout:   cfg.Retrieval.Timeout,
		},
		Layers: layers.Config{
			EmotionalWindow:  cfg.Layers.EmotionalWindow,
			RationalMinTurns: cfg.Layers.RationalMinTurns,
			RecentTurns:      cfg.Layers.RecentTurns,
			UpdateTimeout:    cfg.Layers.UpdateTimeout,
			Chunking:         chunking,
		},
		PerCallCap:        cfg.Backfill.PerCallCap,
		BackgroundTimeout: cfg.Backfill.Timeout,
	}, logger.ForComponent("memory")), nil
}

// closeService lets background embedding finish before closing.
func closeService(svc *memory.Service) {
	svc.Wait()
	svc.Close()
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
