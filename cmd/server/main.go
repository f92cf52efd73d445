package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yangwenmai/dailydigest/internal/aggregate"
	"github.com/yangwenmai/dailydigest/internal/api"
	"github.com/yangwenmai/dailydigest/internal/config"
	"github.com/yangwenmai/dailydigest/internal/driver"
	"github.com/yangwenmai/dailydigest/internal/engine"
	"github.com/yangwenmai/dailydigest/internal/logging"
	"github.com/yangwenmai/dailydigest/internal/publish"
	"github.com/yangwenmai/dailydigest/internal/render"
	"github.com/yangwenmai/dailydigest/internal/scheduler"
	"github.com/yangwenmai/dailydigest/internal/source"
	"github.com/yangwenmai/dailydigest/internal/store"
	"github.com/yangwenmai/dailydigest/internal/worker"
)

func main() {
	once := flag.Bool("once", false, "run a single step and exit")
	date := flag.String("date", "", "with -once, step this date (YYYY-MM-DD) instead of yesterday")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	// Open SQLite.
	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		logger.Error("open db", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize store.
	st, err := store.New(db, store.WithMaxRetries(cfg.Pipeline.MaxRetries))
	if err != nil {
		logger.Error("init store", "error", err)
		os.Exit(1)
	}

	channels, err := buildChannels(cfg.Publish, cfg.LLM.HTTPTimeout)
	if err != nil {
		logger.Error("build publish channels", "error", err)
		os.Exit(1)
	}
	dispatcher, err := publish.NewDispatcher(st, channels,
		publish.WithPrimary(cfg.Publish.Primary), publish.WithLogger(logger))
	if err != nil {
		logger.Error("init dispatcher", "error", err)
		os.Exit(1)
	}

	gateway := engine.NewGateway(buildModelClient(cfg, logger), buildExtractor(cfg),
		engine.WithLanguage(cfg.LLM.Language),
		engine.WithMaxTextLength(cfg.LLM.MaxTextLength),
		engine.WithLogger(logger),
	)

	proc := worker.New(st, gateway, worker.Config{
		BatchSize:   cfg.Pipeline.BatchSize,
		Concurrency: cfg.Pipeline.Concurrency,
		MaxRetries:  cfg.Pipeline.MaxRetries,
		StaleAfter:  cfg.Pipeline.StaleAfter,
	}, logger)

	agg := aggregate.New(st, render.New(cfg.Publish.TitleFormat), dispatcher, logger)

	drv := driver.New(st, buildSource(cfg, logger), proc, agg, driver.Config{
		Location:         cfg.Location(),
		InvocationBudget: cfg.Pipeline.InvocationBudget,
		MaxCalls:         cfg.Pipeline.MaxCallsPerInvocation,
		TaskTimeout:      cfg.Pipeline.TaskTimeout,
	}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *once {
		code := runOnce(ctx, drv, *date)
		cancel()
		db.Close()
		os.Exit(code)
	}

	// Timer trigger.
	sched := scheduler.New(drv, scheduler.Config{Interval: cfg.Pipeline.Interval}, logger)
	go sched.Run(ctx)

	// HTTP trigger and read API.
	srv := api.New(st, drv, agg, api.Config{
		TriggerToken: cfg.TriggerToken,
		CORSOrigin:   cfg.CORSOrigin,
		Logger:       logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("dailydigest server listening", "addr", "http://localhost:"+cfg.Port,
		"timezone", cfg.Timezone, "interval", cfg.Pipeline.Interval, "stub_llm", cfg.UseStubs())
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// runOnce performs one step, prints its result as JSON and returns the exit code.
func runOnce(ctx context.Context, drv *driver.Driver, date string) int {
	var (
		res driver.StepResult
		err error
	)
	if date == "" {
		res, err = drv.Step(ctx)
	} else {
		res, err = drv.StepDate(ctx, date)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(res)
	if err != nil {
		return 1
	}
	return 0
}

func buildModelClient(cfg config.Config, logger *slog.Logger) engine.ModelClient {
	if cfg.UseStubs() {
		logger.Warn("no API key for LLM provider, using stub model client", "provider", cfg.LLM.Provider)
		return &engine.StubModelClient{}
	}

	l := cfg.LLM
	common := []engine.ClientOption{
		engine.WithTimeout(l.HTTPTimeout),
		engine.WithRequestInterval(l.RequestInterval),
	}
	switch l.Provider {
	case "claude":
		logger.Info("using Claude model client", "model", l.AnthropicModel)
		return engine.NewClaudeClient(l.AnthropicKey, append(common, engine.WithModel(l.AnthropicModel))...)
	case "gemini":
		logger.Info("using Gemini model client", "model", l.GeminiModel)
		return engine.NewGeminiClient(l.GeminiKey, append(common, engine.WithModel(l.GeminiModel))...)
	case "ollama":
		logger.Info("using Ollama model client", "model", l.OllamaModel, "url", l.OllamaURL)
		return engine.NewOllamaClient(append(common, engine.WithModel(l.OllamaModel), engine.WithBaseURL(l.OllamaURL))...)
	default:
		logger.Info("using OpenAI model client", "model", l.OpenAIModel, "base_url", l.OpenAIBaseURL)
		return engine.NewOpenAIClient(l.OpenAIKey, append(common, engine.WithModel(l.OpenAIModel), engine.WithBaseURL(l.OpenAIBaseURL))...)
	}
}

func buildExtractor(cfg config.Config) engine.ContentExtractor {
	if cfg.Sources.Stub {
		return &engine.StubExtractor{}
	}
	return engine.NewHTTPExtractor(cfg.LLM.HTTPTimeout)
}

func buildSource(cfg config.Config, logger *slog.Logger) source.Source {
	sc := cfg.Sources
	if sc.Stub {
		logger.Warn("using stub item source")
		return &source.Stub{Count: sc.Limit}
	}

	var sources []source.Source
	if sc.HackerNews.Enabled {
		hn := source.NewHNFront(&http.Client{Timeout: cfg.LLM.HTTPTimeout}, sc.Limit)
		if sc.HackerNews.BaseURL != "" {
			hn.WithBaseURL(sc.HackerNews.BaseURL)
		}
		sources = append(sources, hn)
	}
	for _, f := range sc.Feeds {
		sources = append(sources, source.NewFeed(f.Name, f.URL, cfg.Location()))
	}
	return source.NewMulti(sc.Limit, logger, sources...)
}

func buildChannels(pc config.PublishConfig, timeout time.Duration) ([]publish.Channel, error) {
	client := &http.Client{Timeout: timeout}
	channels := make([]publish.Channel, 0, len(pc.Channels))
	for _, c := range pc.Channels {
		switch c.Type {
		case config.ChannelFile:
			channels = append(channels, publish.NewFile(c.Name, c.Dir))
		case config.ChannelGitHub:
			gh, err := publish.NewGitHub(c.Name, publish.GitHubConfig{
				Token:      c.Token,
				Repo:       c.Repo,
				Branch:     c.Branch,
				PathPrefix: c.PathPrefix,
			}, publish.WithHTTPClient(client))
			if err != nil {
				return nil, err
			}
			channels = append(channels, gh)
		case config.ChannelTelegram:
			channels = append(channels, publish.NewTelegram(c.Name, c.Token, c.ChatID, publish.WithHTTPClient(client)))
		case config.ChannelWebhook:
			channels = append(channels, publish.NewWebhook(c.Name, c.URL, c.Secret, publish.WithHTTPClient(client)))
		default:
			return nil, fmt.Errorf("publish channel %q: unknown type %q", c.Name, c.Type)
		}
	}
	return channels, nil
}
