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

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/lighter-stream/internal/auth"
	"github.com/rickgao/lighter-stream/internal/config"
	"github.com/rickgao/lighter-stream/internal/connection"
	"github.com/rickgao/lighter-stream/internal/database"
	"github.com/rickgao/lighter-stream/internal/journal"
	"github.com/rickgao/lighter-stream/internal/logging"
	"github.com/rickgao/lighter-stream/internal/metrics"
	"github.com/rickgao/lighter-stream/internal/relay"
	"github.com/rickgao/lighter-stream/internal/version"
	"github.com/rickgao/lighter-stream/stream"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "streamer",
		Short:        "Stream Lighter websocket channels",
		SilenceUsage: true,
	}

	var configPath string
	var verbose bool
	streamCmd := &cobra.Command{
		Use:   "stream",
		Short: "Connect and stream the configured subscriptions until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, verbose)
		},
	}
	streamCmd.Flags().StringVarP(&configPath, "config", "c", "configs/streamer.example.yaml", "path to config file")
	streamCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}

	root.AddCommand(streamCmd, versionCmd)
	return root
}

func run(parent context.Context, configPath string, verbose bool) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.Log, verbose)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	logger.Info("starting streamer",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"ws_url", cfg.API.WSURL,
		"subscriptions", len(cfg.Subscriptions),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.New(nil)

	var journalWriter *journal.Writer
	if cfg.Journal.Enabled {
		pool, err := database.Connect(ctx, cfg.Journal.Database, cfg.Instance.ID)
		if err != nil {
			return err
		}
		defer pool.Close()

		journalWriter = journal.NewWriter(journal.Config{
			Instance:      cfg.Instance.ID,
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, pool, logger)
		if err := journalWriter.EnsureSchema(ctx); err != nil {
			return err
		}
		logger.Info("transition journal enabled", "host", cfg.Journal.Database.Host)
	}

	var rel *relay.Relay
	if cfg.Relay.Enabled {
		rel, err = relay.Dial(ctx, cfg.Relay.Addr, cfg.Relay.Password, cfg.Relay.DB, relay.Options{
			Prefix: cfg.Relay.Prefix,
			TTL:    cfg.Relay.TTL,
		}, logger)
		if err != nil {
			return err
		}
		defer rel.Close()
		logger.Info("update relay enabled", "addr", cfg.Relay.Addr)
	}

	client, err := newClient(cfg, collector, journalWriter, logger)
	if err != nil {
		return err
	}

	books := make(map[string]*stream.Book)
	for _, sub := range cfg.Subscriptions {
		hs := []stream.Handler{printHandler(logger)}
		if sub.Channel == "order_book" {
			book := stream.NewBook()
			books[sub.Param] = book
			hs = append(hs, stream.BookHandler(book))
		}
		if rel != nil {
			hs = append(hs, rel.Handle)
		}
		h := fanout(hs...)
		var opts []stream.SubscribeOption
		if sub.Auth {
			opts = append(opts, stream.WithAuth())
		}
		if _, err := client.Subscribe(sub.Channel, sub.Param, h, opts...); err != nil {
			return fmt.Errorf("subscribe %s/%s: %w", sub.Channel, sub.Param, err)
		}
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newHTTPHandler(cfg.Metrics.Path, collector, client, rel, books),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	if journalWriter != nil {
		if err := journalWriter.Start(gctx); err != nil {
			return err
		}
	}
	if rel != nil {
		g.Go(func() error { return rel.Run(gctx) })
	}

	g.Go(func() error {
		err := client.Connect(gctx)
		var tokErr *stream.AuthTokenError
		switch {
		case errors.As(err, &tokErr):
			logger.Warn("connected without auth", "account", tokErr.Account, "error", tokErr.Err)
		case err != nil && gctx.Err() == nil:
			return fmt.Errorf("connect: %w", err)
		case err == nil:
			logger.Info("streamer running", "state", client.State().String())
		}
		<-gctx.Done()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Close(shutdownCtx); err != nil {
			logger.Warn("disconnect failed", "error", err)
		}
		if journalWriter != nil {
			if err := journalWriter.Stop(shutdownCtx); err != nil {
				logger.Warn("journal stop failed", "error", err)
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	st := client.Stats()
	logger.Info("streamer stopped",
		"reconnects", st.Reconnects,
		"frames_sent", st.FramesSent,
		"frames_received", st.FramesReceived,
		"handler_errors", st.Router.HandlerErrors,
	)
	return err
}

// newClient builds the stream client from config.
func newClient(cfg *config.StreamerConfig, collector *metrics.Collector, jw *journal.Writer, logger *slog.Logger) (*stream.Client, error) {
	opts := stream.Options{
		URL:    cfg.API.WSURL,
		Header: http.Header{"User-Agent": []string{version.UserAgent()}},
		Connection: connection.Config{
			BaseDelay:     cfg.Connection.ReconnectBaseDelay,
			MaxDelay:      cfg.Connection.ReconnectMaxDelay,
			Jitter:        cfg.Connection.ReconnectJitter,
			PingInterval:  cfg.Connection.PingInterval,
			DialTimeout:   cfg.Connection.DialTimeout,
			QueueCapacity: cfg.Connection.QueueCapacity,
			SendRate:      cfg.Connection.SendRate,
			SendBurst:     cfg.Connection.SendBurst,
		},
		Transport: connection.ClientConfig{
			HandshakeTimeout: cfg.Connection.HandshakeTimeout,
			WriteTimeout:     cfg.Connection.WriteTimeout,
			BufferSize:       cfg.Connection.ReadBuffer,
			ReadLimit:        cfg.Connection.ReadLimit,
		},
		APIKeyIndex:    cfg.API.APIKeyIndex,
		TokenTTL:       cfg.API.TokenTTL,
		RefreshBefore:  cfg.API.RefreshBefore,
		Metrics:        collector,
		OnHandlerError: collector.ObserveHandlerError,
		OnAuthStatus: func(st stream.AuthStatus) {
			if st.Err != nil {
				logger.Error("auth failed", "account", st.Account, "error", st.Err)
				return
			}
			logger.Info("auth status", "account", st.Account, "authenticated", st.Authenticated)
		},
		OnServerError: func(ev stream.Event) {
			logger.Warn("server error", "channel", ev.Channel.String(), "error", ev.Error)
		},
		Logger: logger,
	}
	if jw != nil {
		opts.OnTransition = jw.Record
	}

	if cfg.HasAuthSubscriptions() {
		switch {
		case len(cfg.API.TokenCommand) > 0:
			signer, err := auth.NewCommandSigner(cfg.API.TokenCommand)
			if err != nil {
				return nil, err
			}
			opts.Signer = signer
		default:
			opts.Signer = auth.StaticSigner{Token: cfg.API.StaticToken}
		}
	}

	return stream.New(opts)
}

// printHandler logs each update at debug level.
func printHandler(logger *slog.Logger) stream.Handler {
	return func(ev stream.Event) error {
		logger.Debug("update",
			"channel", ev.Channel.String(),
			"type", ev.Type,
			"bytes", len(ev.Payload),
		)
		return nil
	}
}

// fanout calls each handler in order and returns the first error.
func fanout(hs ...stream.Handler) stream.Handler {
	return func(ev stream.Event) error {
		var first error
		for _, h := range hs {
			if err := h(ev); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
}

// newHTTPHandler serves health and Prometheus metrics. Health includes the
// top of every local order book, keyed by market.
func newHTTPHandler(metricsPath string, collector *metrics.Collector, client *stream.Client, rel *relay.Relay, books map[string]*stream.Book) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, collector.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		st := client.Stats()
		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status: "healthy",
			Components: map[string]any{
				"stream": map[string]any{
					"state":         st.State.String(),
					"session_id":    st.SessionID,
					"authenticated": st.Authenticated,
					"subscriptions": st.Subscriptions,
					"queued":        st.Queue.Count,
					"reconnects":    st.Reconnects,
				},
			},
		}
		if len(books) > 0 {
			tops := make(map[string]any, len(books))
			for market, book := range books {
				tops[market] = topOfBook(book)
			}
			health.Components["books"] = tops
		}
		if !st.State.Connected() {
			health.Status = "degraded"
		}

		if rel != nil {
			if err := rel.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["redis"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["redis"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}

// topOfBook summarizes the best levels of book.
func topOfBook(book *stream.Book) map[string]any {
	top := map[string]any{"offset": book.Offset()}
	if bid, ok := book.BestBid(); ok {
		top["bid"] = bid.Price.String()
	}
	if ask, ok := book.BestAsk(); ok {
		top["ask"] = ask.Price.String()
	}
	if spread, ok := book.Spread(); ok {
		top["spread"] = spread.String()
	}
	return top
}
