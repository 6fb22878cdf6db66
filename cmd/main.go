package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jplanetx/cryptoj-trader/internal/config"
	"github.com/jplanetx/cryptoj-trader/internal/db"
	"github.com/jplanetx/cryptoj-trader/internal/emergency"
	"github.com/jplanetx/cryptoj-trader/internal/engine"
	"github.com/jplanetx/cryptoj-trader/internal/market"
	"github.com/jplanetx/cryptoj-trader/internal/sink"
)

func main() {
	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	storage, closeStorage, err := openStorage(cfg)
	if err != nil {
		logger.Fatal("storage initialization failed", zap.Error(err))
	}
	defer closeStorage()

	store := emergency.NewFileStore(cfg.StateFile)
	coord, err := emergency.New(cfg.Emergency, store, logger)
	if err != nil {
		logger.Fatal("emergency coordinator initialization failed", zap.Error(err))
	}

	feed := market.NewFeed()
	eng := engine.New(engine.Config{
		InitialCapital: cfg.InitialCapital,
		Limits:         cfg.Limits,
		Sim:            cfg.Sim,
	}, feed, coord, storage, sink.NewLogSink(logger), logger)

	logger.Info("paper trading engine started",
		zap.Strings("symbols", cfg.Symbols),
		zap.String("initial_capital", cfg.InitialCapital.String()),
		zap.Bool("emergency_mode", coord.Active()))

	go monitorHealth(ctx, eng, logger, 30*time.Second)

	if cfg.TickFile != "" {
		if err := replayTicks(ctx, cfg.TickFile, feed, eng, logger); err != nil {
			logger.Error("tick replay failed", zap.Error(err))
		}
	} else {
		<-ctx.Done()
	}

	reportFinalState(eng, cfg.Symbols, logger)
	logger.Info("shutdown complete")
}

// openStorage picks Postgres when a connection string is configured
// and falls back to in-memory storage otherwise.
func openStorage(cfg config.Config) (db.Storage, func(), error) {
	if cfg.DBConnStr == "" {
		return db.NewMemory(), func() {}, nil
	}
	conn, err := sql.Open("postgres", cfg.DBConnStr)
	if err != nil {
		return nil, nil, err
	}
	conn.SetMaxOpenConns(cfg.DBMaxOpen)
	conn.SetMaxIdleConns(cfg.DBMaxIdle)
	storage, err := db.New(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return storage, func() { conn.Close() }, nil
}

// replayTicks streams a CSV of timestamp,symbol,price rows through the
// market feed and the engine's price observation path.
func replayTicks(ctx context.Context, path string, feed *market.Feed, eng *engine.Engine, logger *zap.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		record, err := r.Read()
		if err == io.EOF {
			logger.Info("tick replay finished", zap.Int("rows", rows))
			return nil
		}
		if err != nil {
			return err
		}
		if len(record) != 3 || strings.EqualFold(record[0], "timestamp") {
			continue
		}

		symbol := strings.TrimSpace(record[1])
		price, err := decimal.NewFromString(strings.TrimSpace(record[2]))
		if err != nil {
			logger.Warn("skipping malformed tick",
				zap.String("symbol", symbol), zap.String("price", record[2]))
			continue
		}

		feed.Update(symbol, price)
		eng.OnPriceUpdate(ctx, symbol)
		rows++
	}
}

func monitorHealth(ctx context.Context, eng *engine.Engine, logger *zap.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			health := eng.SystemHealth()
			fields := []zap.Field{zap.String("mode", string(health.Mode))}
			for symbol, pct := range health.ExposurePercentages {
				fields = append(fields, zap.String("exposure_pct_"+symbol, pct.StringFixed(2)))
			}
			logger.Info("system health", fields...)
		}
	}
}

func reportFinalState(eng *engine.Engine, symbols []string, logger *zap.Logger) {
	for _, symbol := range symbols {
		pos := eng.GetPosition(symbol)
		if pos.Quantity.IsZero() && pos.RealizedPnL.IsZero() {
			continue
		}
		logger.Info("final position",
			zap.String("symbol", symbol),
			zap.String("quantity", pos.Quantity.String()),
			zap.String("average_entry", pos.AverageEntry.String()),
			zap.String("realized_pnl", pos.RealizedPnL.String()))
	}
	health := eng.SystemHealth()
	logger.Info("final system state",
		zap.String("mode", string(health.Mode)),
		zap.Time("timestamp", health.Timestamp))
}
