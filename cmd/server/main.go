package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/RichardoC/relaychat/internal/api"
	"github.com/RichardoC/relaychat/internal/config"
	"github.com/RichardoC/relaychat/internal/db"
	"github.com/RichardoC/relaychat/internal/history"
	"github.com/RichardoC/relaychat/internal/llm"
	"github.com/RichardoC/relaychat/internal/tokens"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type flags struct {
	configPath  string
	dev         bool
	addr        string
	model       string
	baseURL     string
	sessionMode string
	storeDriver string
	storeDSN    string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:          "relaychat",
		Short:        "Browser chat front-end for an OpenAI compatible completion API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, f)
		},
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().BoolVar(&f.dev, "dev", false, "human readable development logging")
	root.PersistentFlags().StringVar(&f.model, "model", "", "upstream model identifier")
	root.PersistentFlags().StringVar(&f.baseURL, "base-url", "", "upstream API base URL")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat page and relay endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, f)
		},
	}
	for _, c := range []*cobra.Command{root, serve} {
		c.Flags().StringVar(&f.addr, "addr", "", "HTTP listen address")
		c.Flags().StringVar(&f.sessionMode, "session-mode", "", "cookie or shared")
		c.Flags().StringVar(&f.storeDriver, "store", "", "history store: memory or sqlite")
		c.Flags().StringVar(&f.storeDSN, "dsn", "", "sqlite DSN when --store=sqlite")
	}

	ask := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Send a single prompt upstream and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, f, strings.Join(args, " "))
		},
	}

	root.AddCommand(serve, ask)
	return root
}

func loadConfig(cmd *cobra.Command, f *flags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if cmd.Flags().Changed("model") {
		cfg.OpenAI.Model = f.model
	}
	if cmd.Flags().Changed("base-url") {
		cfg.OpenAI.BaseURL = f.baseURL
	}
	if cmd.Flags().Changed("addr") {
		cfg.Addr = f.addr
	}
	if cmd.Flags().Changed("session-mode") {
		cfg.SessionMode = f.sessionMode
	}
	if cmd.Flags().Changed("store") {
		cfg.Store.Driver = f.storeDriver
	}
	if cmd.Flags().Changed("dsn") {
		cfg.Store.DSN = f.storeDSN
	}
	return cfg, cfg.Validate()
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if dev {
		zcfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

func openStore(cfg config.StoreConfig) (history.Store, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		database, err := db.New(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return database, nil
	default:
		return history.NewMemoryStore(), nil
	}
}

func newService(cfg config.Config, store history.Store, logger *zap.Logger) (*llm.Service, error) {
	client, err := llm.NewClient(cfg.OpenAI)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	opts := llm.Options{
		SystemPrompt: cfg.SystemPrompt,
		Temperature:  cfg.OpenAI.Temperature,
		MaxTokens:    cfg.OpenAI.MaxTokens,
		Timeout:      cfg.RequestTimeout,
		Logger:       logger,
	}
	if cfg.CountTokens {
		counter, err := tokens.NewCounter(cfg.OpenAI.Model)
		if err != nil {
			logger.Warn("Falling back to estimated token counts", zap.Error(err))
		}
		opts.Counter = counter
	}
	return llm.New(client, store, opts), nil
}

func runServe(cmd *cobra.Command, f *flags) (err error) {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel, f.dev)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg.Store)
	if err != nil {
		logger.Error("failed to initialize history store",
			zap.Error(err),
			zap.String("driver", cfg.Store.Driver))
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	svc, err := newService(cfg, store, logger)
	if err != nil {
		logger.Error("failed to initialize LLM service", zap.Error(err))
		return err
	}

	handler := api.NewHandler(svc, cfg.SessionMode, logger)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server",
			zap.String("addr", cfg.Addr),
			zap.String("model", cfg.OpenAI.Model),
			zap.String("sessionMode", cfg.SessionMode),
			zap.String("store", cfg.Store.Driver))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error("server stopped", zap.Error(err))
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runAsk(cmd *cobra.Command, f *flags, prompt string) (err error) {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel, f.dev)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store := history.NewMemoryStore()
	defer func() { err = multierr.Append(err, store.Close()) }()

	svc, err := newService(cfg, store, logger)
	if err != nil {
		return err
	}

	completion, err := svc.Ask(cmd.Context(), prompt)
	if err != nil {
		logger.Error("failed to generate completion", zap.Error(err))
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), completion)
	return nil
}
