package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/spf13/pflag"

	router "github.com/dkeye/Chatline/internal/adapters/http"
	"github.com/dkeye/Chatline/internal/adapters/presence"
	sig "github.com/dkeye/Chatline/internal/adapters/signal"
	"github.com/dkeye/Chatline/internal/app"
	"github.com/dkeye/Chatline/internal/config"
	"github.com/dkeye/Chatline/internal/core"
	"github.com/dkeye/Chatline/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := pflag.NewFlagSet("chatline-server", pflag.ExitOnError)
	config.ServerFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setLevel(cfg.LogLevel)
	cfg.OnChange(func(next *config.Config) { setLevel(next.LogLevel) })

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		log.Error().Err(err).Msg("telemetry disabled")
	}

	reg := app.NewRegistry()
	reg.Policy = app.SimplePolicy{}
	reg.Metrics = app.NewMetrics()

	var workers conc.WaitGroup
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, mirror will retry per update")
		}
		pingCancel()
		mirror := presence.NewRedisMirror(rdb, cfg.Redis.Key, cfg.Redis.Channel)
		reg.Sinks = append(reg.Sinks, mirror)
		workers.Go(func() { _ = mirror.Run(ctx) })
	}

	relay := app.NewRelay(reg, reg.Metrics)
	opts := sig.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
		WriteWait:  cfg.WriteWait,
		SendBuffer: cfg.SendBuffer,
	}
	ctrl := sig.NewSignalWSController(reg, relay, sig.NewInitiateLimiter(cfg.InitiateLimit, cfg.InitiateWindow), opts)

	r := router.SetupRouter(ctx, cfg, reg, ctrl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Chatline signaling server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	// Hijacked websockets are not tracked by Shutdown.
	reg.CloseAll(core.CloseGoingAway, "server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	workers.Wait()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("telemetry shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

func setLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if zerolog.GlobalLevel() != lvl {
		log.Info().Str("level", lvl.String()).Msg("log level")
	}
	zerolog.SetGlobalLevel(lvl)
}
