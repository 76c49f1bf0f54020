package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/config"
	chaterr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/fswatch"
	"github.com/alexjbarnes/chat-sync/internal/gateway"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/notify"
	"github.com/alexjbarnes/chat-sync/internal/rest"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/alexjbarnes/chat-sync/internal/store"
)

var Version = "dev"

func main() {
	// Handle hash-key subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-key" {
		hashKey()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashKey generates an API key and prints it with the MCP_API_KEYS
// entry that accepts it.
func hashKey() {
	user := "agent"
	if len(os.Args) > 2 {
		user = os.Args[2]
	}

	key, hash, err := auth.GenerateAPIKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "API key (shown once): %s\n", key)
	fmt.Printf("%s:%s\n", user, hash)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("api", cfg.APIURL),
		slog.String("gateway", cfg.GatewayURL),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	tokens, err := auth.NewTokenSource(cfg.Token, cfg.TokenFile, appState, logger)
	if err != nil {
		return fmt.Errorf("loading token: %w", err)
	}

	api := rest.NewClient(cfg.APIURL, tokens, nil, cfg.APIRateLimit, logger.With(slog.String("component", "rest")))

	gw := gateway.NewClient(
		gateway.NewWSTransport(cfg.GatewayURL, logger.With(slog.String("component", "transport"))),
		tokens,
		gateway.ClientConfig{
			HeartbeatInterval:    cfg.HeartbeatInterval,
			HealthCheckInterval:  cfg.HealthCheckInterval,
			ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
			ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		},
		logger.With(slog.String("component", "gateway")),
	)

	var chat *store.Store

	notifier, err := newNotifier(cfg, func() *models.User { return chat.CurrentUser() }, logger)
	if err != nil {
		return err
	}

	chat = store.New(api, appState, store.Hooks{
		ScrollToBottom: func(channelID string) {
			logger.Debug("new message in current channel", slog.String("channel", channelID))
		},
		Incoming: notifier.Incoming,
	}, store.Config{
		PageSize:        cfg.PageSize,
		SendMaxAttempts: cfg.SendMaxAttempts,
	}, logger.With(slog.String("component", "store")))

	detach := chat.Attach(gw)
	defer detach()

	wake := make(chan struct{}, 1)
	signalWake := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	gw.On(gateway.EventClose, func(ev gateway.Event) {
		if c, ok := ev.(gateway.CloseEvent); ok && c.Code == gateway.CloseUnauthorized {
			signalWake()
		}
	})
	gw.On(gateway.EventError, func(ev gateway.Event) {
		if e, ok := ev.(gateway.ErrorEvent); ok && errors.Is(e.Err, chaterr.ErrReconnectExhausted) {
			signalWake()
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := chat.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		if err := bootstrap(gctx, chat, cfg, logger); err != nil {
			return err
		}

		return superviseGateway(gctx, gw, wake, cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay, logger)
	})

	if cfg.TokenFile != "" {
		g.Go(func() error {
			return watch(gctx, cfg.TokenFile, func() {
				if err := tokens.ReloadFile(); err != nil {
					logger.Warn("reloading token file", slog.String("error", err.Error()))
					return
				}

				signalWake()
			}, logger)
		})
	}

	if notifier.Path() != "" {
		g.Go(func() error {
			return watch(gctx, notifier.Path(), notifier.Reload, logger)
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, chat, gw, logger)
		})
	}

	err = g.Wait()

	if cerr := gw.Close(); cerr != nil {
		logger.Warn("closing gateway", slog.String("error", cerr.Error()))
	}

	logger.Info("chat-sync stopped")

	return err
}

func newNotifier(cfg *config.Config, self func() *models.User, logger *slog.Logger) (*notify.Notifier, error) {
	ring := func(msg models.Message, d notify.Decision) {
		logger.Info("notification",
			slog.String("channel", msg.ChannelID),
			slog.String("author", msg.Author.User.Name()),
			slog.String("reason", string(d.Reason)),
		)
		fmt.Fprint(os.Stderr, "\a")
	}

	notifyLogger := logger.With(slog.String("component", "notify"))

	if cfg.NotifyPolicyFile == "" {
		return notify.New(nil, self, ring, notifyLogger), nil
	}

	n, err := notify.NewFromFile(cfg.NotifyPolicyFile, self, ring, notifyLogger)
	if err != nil {
		return nil, fmt.Errorf("loading notification policy: %w", err)
	}

	return n, nil
}

// bootstrap warms the store from the cache, then from the network.
// Network failures are logged and recorded by the store; the gateway
// will bring the store up to date once connected.
func bootstrap(ctx context.Context, chat *store.Store, cfg *config.Config, logger *slog.Logger) error {
	if err := chat.Restore(ctx); err != nil {
		logger.Warn("restoring cache", slog.String("error", err.Error()))
	}

	if _, err := chat.LoadCurrentUser(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}

		logger.Warn("loading current user", slog.String("error", err.Error()))
	}

	channels, err := chat.FetchChannels(ctx)
	if err != nil {
		logger.Warn("fetching channels", slog.String("error", err.Error()))
	} else {
		logger.Info("channels loaded", slog.Int("count", len(channels)))
	}

	selected := cfg.InitialChannel
	if selected == "" {
		selected = chat.CurrentChannel()
	}

	if selected != "" {
		if err := chat.SelectChannel(ctx, selected); err != nil && ctx.Err() == nil {
			logger.Warn("selecting channel", slog.String("channel", selected), slog.String("error", err.Error()))
		}
	}

	return nil
}

func watch(ctx context.Context, path string, onChange func(), logger *slog.Logger) error {
	err := fswatch.WatchFile(ctx, path, 0, onChange, logger)
	if errors.Is(err, context.Canceled) {
		return nil
	}

	// A broken watcher only disables hot reload.
	if err != nil {
		logger.Warn("file watcher stopped", slog.String("path", path), slog.String("error", err.Error()))
	}

	return nil
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, chat *store.Store, gw *gateway.Client, logger *slog.Logger) error {
	keys, err := cfg.APIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, chat, gw)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Keys:       auth.NewAPIKeys(keys),
		MCPHandler: mcpHandler,
		Status:     chat.Status,
		Logger:     mcpLogger,
	})

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("api_keys", len(keys)),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
