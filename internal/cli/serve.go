// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve.go - Run the relay HTTP server.
//
// Command: serve
// Short:   Start the relay
//
// Examples:
//   rigrun-relay serve                         Use ~/.rigrun-relay/config.toml
//   rigrun-relay serve --addr 0.0.0.0:9000     Override the listen address
//   rigrun-relay serve --store memory          Keep conversations in memory
//
// The config file is watched while the server runs. CORS origins, rate
// limits, the IP allowlist and trusted proxies are applied live; other
// changes need a restart.
package cli

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/rigrun-relay/internal/backend"
	"github.com/jeranaias/rigrun-relay/internal/config"
	convctx "github.com/jeranaias/rigrun-relay/internal/context"
	"github.com/jeranaias/rigrun-relay/internal/identity"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/orchestrator"
	"github.com/jeranaias/rigrun-relay/internal/retry"
	"github.com/jeranaias/rigrun-relay/internal/server"
	"github.com/jeranaias/rigrun-relay/internal/storage"
	"github.com/jeranaias/rigrun-relay/internal/suggest"
)

// =============================================================================
// APPLICATION WIRING
// =============================================================================

// App is a fully wired relay.
type App struct {
	Config       *config.Config
	Store        storage.Store
	Dispatcher   *backend.Dispatcher
	Orchestrator *orchestrator.Orchestrator
	Server       *server.Server
}

// BuildApp constructs the adapters, store, orchestrator and server for cfg.
func BuildApp(ctx context.Context, cfg *config.Config) (*App, error) {
	dispatcher, err := buildDispatcher(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	resolver, err := buildResolver(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	orch := orchestrator.New(cfg.OrchestratorSettings(), dispatcher, store).
		WithContextManager(convctx.NewManager(cfg.ContextSettings())).
		WithSupervisor(retry.NewSupervisor(cfg.RetryPolicy())).
		WithSuggester(suggest.NewGenerator(cfg.SuggestTimeout()))

	srv := server.New(orch, store, resolver, server.OptionsFromConfig(cfg))

	return &App{
		Config:       cfg,
		Store:        store,
		Dispatcher:   dispatcher,
		Orchestrator: orch,
		Server:       srv,
	}, nil
}

func buildDispatcher(ctx context.Context, cfg *config.Config) (*backend.Dispatcher, error) {
	b := cfg.Backends
	timeout := cfg.BackendTimeout()

	adapters := []backend.Adapter{
		backend.NewOpenAI(backend.OpenAIConfig{
			APIKey:  b.OpenAIKey,
			BaseURL: b.OpenAIURL,
			Timeout: timeout,
		}),
	}

	gemini, err := backend.NewGemini(ctx, backend.GeminiConfig{APIKey: b.GeminiKey})
	if err != nil {
		return nil, err
	}
	adapters = append(adapters, gemini)

	if b.OllamaEnabled {
		adapters = append(adapters, backend.NewOllama(backend.OllamaConfig{
			BaseURL: b.OllamaURL,
			Timeout: timeout,
		}))
	}

	d := backend.NewDispatcher(model.DefaultRegistry(), adapters...)
	for name, id := range b.AuxiliaryModels {
		d.SetAuxiliaryModel(model.Backend(name), id)
	}
	return d, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Driver == config.StoreMemory {
		log.Printf("STORE_OPEN | driver=memory")
		return storage.NewMemoryStore(), nil
	}
	path, err := cfg.DatabasePath()
	if err != nil {
		return nil, err
	}
	store, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	log.Printf("STORE_OPEN | driver=sqlite path=%s", path)
	return store, nil
}

func buildResolver(cfg *config.Config) (identity.Resolver, error) {
	if !cfg.Auth.Enabled {
		return identity.StaticResolver{UserID: cfg.Auth.LocalUser}, nil
	}
	resolver, err := identity.NewTokenResolver(cfg.Auth.Tokens)
	if err != nil {
		return nil, fmt.Errorf("invalid auth.tokens: %w", err)
	}
	return resolver, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

// Run serves on ln until ctx is cancelled, then shuts down gracefully.
// When configPath is set the file is watched and live settings reloaded.
func (a *App) Run(ctx context.Context, ln net.Listener, configPath string) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Server.Serve(ln)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout())
		defer cancel()
		return a.Server.Shutdown(shutdownCtx)
	})

	if configPath != "" {
		w, err := config.NewWatcher(configPath, config.DefaultDebounce, a.Server.Reload)
		if err != nil {
			log.Printf("CONFIG_WATCH_DISABLED | path=%s error=%v", configPath, err)
		} else {
			g.Go(func() error {
				return w.Run(gctx)
			})
		}
	}

	return g.Wait()
}

// =============================================================================
// COMMAND
// =============================================================================

// HandleServe runs the "serve" command until SIGINT or SIGTERM.
func HandleServe(args []string) error {
	a, err := ParseServeArgs(args)
	if err != nil {
		return err
	}

	cfg, configPath, err := loadServeConfig(a)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := BuildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}

	printServeBanner(cfg, ln.Addr().String(), configPath)
	return app.Run(ctx, ln, configPath)
}

// loadServeConfig loads the config file and applies flag overrides. The
// returned path is empty when no file exists.
func loadServeConfig(a ServeArgs) (*config.Config, string, error) {
	var (
		cfg  *config.Config
		path = a.ConfigPath
		err  error
	)
	if path == "" {
		path, err = config.ConfigPathTOML()
		if err != nil {
			return nil, "", err
		}
	}

	if _, statErr := os.Stat(path); statErr == nil {
		cfg, err = config.LoadFromPath(path)
	} else if a.ConfigPath != "" {
		return nil, "", fmt.Errorf("config file not found: %s", a.ConfigPath)
	} else {
		path = ""
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, "", err
	}

	if a.Addr != "" {
		cfg.Server.Addr = a.Addr
	}
	if a.Store != "" {
		cfg.Storage.Driver = a.Store
	}
	if a.DBPath != "" {
		cfg.Storage.Path = a.DBPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, path, nil
}

func printServeBanner(cfg *config.Config, addr, configPath string) {
	w := os.Stderr
	fmt.Fprintln(w, TitleStyle.Render("rigrun-relay "+Version))
	fmt.Fprintf(w, "%s %s\n", RenderLabel("Listening:"), ValueStyle.Render("http://"+addr))
	fmt.Fprintf(w, "%s %s\n", RenderLabel("Store:"), ValueStyle.Render(cfg.Storage.Driver))
	if configPath != "" {
		fmt.Fprintf(w, "%s %s\n", RenderLabel("Config:"), ValueStyle.Render(configPath))
	}
	auth := "disabled"
	if cfg.Auth.Enabled {
		auth = fmt.Sprintf("%d tokens", len(cfg.Auth.Tokens))
	}
	fmt.Fprintf(w, "%s %s\n", RenderLabel("Auth:"), ValueStyle.Render(auth))

	problems := cfg.ValidateProviders()
	for _, b := range []model.Backend{model.BackendOpenAI, model.BackendGemini, model.BackendOllama} {
		status := DimStyle.Render("not configured")
		if backendConfigured(cfg, b) {
			status = RenderStatus("configured")
		}
		fmt.Fprintf(w, "%s %s\n", RenderLabel(string(b)+":"), status)
	}
	for _, msg := range problems.Messages() {
		fmt.Fprintf(w, "%s %s\n", WarningStyle.Render("[WARN]"), msg)
	}
}

func backendConfigured(cfg *config.Config, b model.Backend) bool {
	switch b {
	case model.BackendOpenAI:
		return cfg.Backends.OpenAIKey != ""
	case model.BackendGemini:
		return cfg.Backends.GeminiKey != ""
	case model.BackendOllama:
		return cfg.Backends.OllamaEnabled
	}
	return false
}
