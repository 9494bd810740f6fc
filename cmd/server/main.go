package main

import (
	"bytes"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/canal-chat/canal/config"
	"github.com/canal-chat/canal/src/bridge"
	"github.com/canal-chat/canal/src/dispatch"
	"github.com/canal-chat/canal/src/room"
	"github.com/canal-chat/canal/src/service"
	"github.com/canal-chat/canal/src/transport"
)

var wsPrefix = []byte("/ws/")

func main() {
	cfg := config.Load()
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	b := bridge.NewRedisBridge(cfg.Broker, logger)
	if err := b.Start(); err != nil {
		// The bridge retries in the background; connections fail fast
		// with a broker error until it comes up.
		logger.Warn().Err(err).Str("addr", cfg.Broker.Addr()).Msg("broker unreachable at startup")
	}

	registry := room.New(logger)
	dispatcher := dispatch.New(registry, b, logger)
	svc := service.New(dispatcher, registry, b, logger)

	app := fiber.New()
	app.Get("/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"broker": svc.BrokerAvailable(),
		})
	})
	app.Get("/rooms", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"rooms":    svc.Rooms(),
			"sessions": svc.SessionCount(),
		})
	})

	// Fiber v3 does not expose the raw *fasthttp.RequestCtx, so the
	// WebSocket upgrade is dispatched ahead of the app handler.
	wsHandler := transport.Handler(svc, logger)
	appHandler := app.Handler()
	srv := &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			if bytes.HasPrefix(ctx.Path(), wsPrefix) {
				wsHandler(ctx)
				return
			}
			appHandler(ctx)
		},
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("server listening")
		if err := srv.ListenAndServe(cfg.ListenAddr); err != nil {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	if err := b.Stop(); err != nil {
		logger.Error().Err(err).Msg("bridge stop error")
	}
}
