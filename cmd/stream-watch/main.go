// Command stream-watch subscribes to Polymarket CLOB market data and logs the
// typed event stream, including the derived displayed-price updates.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/johan/polymarket-stream/internal/config"
	"github.com/johan/polymarket-stream/internal/gamma"
	"github.com/johan/polymarket-stream/internal/limiter"
	"github.com/johan/polymarket-stream/pkg/stream"
	"github.com/johan/polymarket-stream/pkg/types"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	tokens := flag.String("tokens", "", "Comma-separated token IDs to subscribe (adds to config)")
	markets := flag.String("markets", "", "Comma-separated market slugs to resolve and subscribe")
	duration := flag.Duration("duration", 0, "How long to run (0 = until Ctrl+C)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = config.DefaultConfig()
		} else {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	assetIDs := append([]string(nil), cfg.Assets...)
	assetIDs = append(assetIDs, splitList(*tokens)...)
	slugs := append([]string(nil), cfg.Markets...)
	slugs = append(slugs, splitList(*markets)...)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	if len(slugs) > 0 {
		resolved, err := gamma.NewClient(&http.Client{Timeout: 30 * time.Second}).
			ResolveAssetIDs(ctx, slugs)
		if err != nil {
			logger.Fatal("resolving market slugs", zap.Error(err))
		}
		logger.Info("resolved market slugs",
			zap.Int("slugs", len(slugs)),
			zap.Int("assets", len(resolved)))
		assetIDs = append(assetIDs, resolved...)
	}

	if len(assetIDs) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: stream-watch --tokens <id1,id2,...> | --markets <slug1,...> [options]")
		fmt.Fprintln(os.Stderr)
		flag.PrintDefaults()
		os.Exit(1)
	}

	opts := stream.Options{
		MaxMarketsPerWS:             cfg.Subscriptions.MaxMarketsPerWS,
		ReconnectAndCleanupInterval: cfg.Subscriptions.ReconnectInterval,
		Limiter:                     limiter.NewBurst(cfg.Limiter.ConnectsPerSecond, cfg.Limiter.Burst),
		Logger:                      logger,
		MarketURL:                   cfg.WebSocket.MarketURL,
		UserURL:                     cfg.WebSocket.UserURL,
	}

	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		opts.MetricsRegisterer = registry
	}

	manager := stream.New(watchHandlers(logger), opts)
	defer manager.Close()

	if auth, ok := authFromEnv(); ok {
		manager.SetUserHandlers(userHandlers(logger))
		manager.ConnectUserSocket(ctx, auth)
		logger.Info("user socket requested", zap.String("api_key", auth.Key))
	}

	logger.Info("subscribing", zap.Int("assets", len(assetIDs)))
	manager.AddSubscriptions(ctx, assetIDs)

	g, ctx := errgroup.WithContext(ctx)
	if registry != nil {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics.ListenAddr, registry, logger)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("shutting down", zap.Error(err))
	}
	logger.Info("shutting down")
}

func watchHandlers(logger *zap.Logger) stream.MarketHandlers {
	return stream.MarketHandlers{
		OnBook: func(batch []types.MarketMessage) {
			for _, msg := range batch {
				logger.Info("book",
					zap.String("asset", shortID(msg.AssetID)),
					zap.Int("bids", len(msg.Bids)),
					zap.Int("asks", len(msg.Asks)))
			}
		},
		OnPriceChange: func(batch []types.MarketMessage) {
			for _, msg := range batch {
				logger.Info("price_change", zap.Int("changes", len(msg.PriceChanges)))
			}
		},
		OnTickSizeChange: func(batch []types.MarketMessage) {
			for _, msg := range batch {
				logger.Info("tick_size_change",
					zap.String("asset", shortID(msg.AssetID)),
					zap.String("new_tick_size", msg.NewTickSize))
			}
		},
		OnLastTradePrice: func(batch []types.MarketMessage) {
			for _, msg := range batch {
				logger.Info("last_trade_price",
					zap.String("asset", shortID(msg.AssetID)),
					zap.String("price", msg.Price))
			}
		},
		OnPriceUpdate: func(batch []types.PriceUpdate) {
			for _, update := range batch {
				logger.Info("price_update",
					zap.String("asset", shortID(update.AssetID)),
					zap.String("price", update.Price))
			}
		},
		OnWSOpen: func(groupID string, assetIDs []string) {
			logger.Info("group connected",
				zap.String("group", groupID),
				zap.Int("assets", len(assetIDs)))
		},
		OnWSClose: func(groupID string, code int, reason string) {
			logger.Warn("group closed",
				zap.String("group", groupID),
				zap.Int("code", code),
				zap.String("reason", reason))
		},
		OnError: func(err error) {
			logger.Error("stream error", zap.Error(err))
		},
	}
}

func userHandlers(logger *zap.Logger) stream.UserHandlers {
	return stream.UserHandlers{
		OnTrade: func(apiKey string, batch []types.UserMessage) {
			for _, msg := range batch {
				logger.Info("trade",
					zap.String("api_key", apiKey),
					zap.String("side", msg.Side),
					zap.String("price", msg.Price),
					zap.String("size", msg.Size))
			}
		},
		OnOrder: func(apiKey string, batch []types.UserMessage) {
			for _, msg := range batch {
				logger.Info("order",
					zap.String("api_key", apiKey),
					zap.String("status", msg.Status),
					zap.String("price", msg.Price))
			}
		},
		OnWSOpen: func(apiKey string) {
			logger.Info("user socket connected", zap.String("api_key", apiKey))
		},
		OnWSClose: func(apiKey string, code int, reason string) {
			logger.Warn("user socket closed",
				zap.String("api_key", apiKey),
				zap.Int("code", code))
		},
		OnError: func(apiKey string, err error) {
			logger.Error("user stream error",
				zap.String("api_key", apiKey),
				zap.Error(err))
		},
	}
}

func authFromEnv() (types.Auth, bool) {
	auth := types.Auth{
		Key:        os.Getenv("POLYMARKET_API_KEY"),
		Secret:     os.Getenv("POLYMARKET_API_SECRET"),
		Passphrase: os.Getenv("POLYMARKET_API_PASSPHRASE"),
	}
	return auth, auth.Key != "" && auth.Secret != "" && auth.Passphrase != ""
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16] + "..."
	}
	return id
}
