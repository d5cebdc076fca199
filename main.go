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

	"msggate/global"
	"msggate/global/config"
	"msggate/logger"
	api "msggate/module/session"
	"msggate/service/dispatch"
	"msggate/service/media"
	"msggate/service/session"
	"msggate/service/transport/wsbridge"
	"msggate/service/webhook"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L().Fatal("[main] load config", zap.Error(err))
	}
	log := global.ConfigLogger(cfg.Log)
	global.ConfigIds()
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	closer := &global.Closer{}
	err = run(ctx, cfg, log, closer)
	closer.Close()
	_ = log.Sync()
	if err != nil {
		log.Error("[main] exit", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.AppConfig, log *zap.Logger, closer *global.Closer) error {
	store, err := global.ConfigStore(ctx, cfg.Credentials, closer)
	if err != nil {
		return err
	}
	mirrors, err := global.ConfigMirrors(cfg, log, closer)
	if err != nil {
		return err
	}
	ingestor, err := media.NewIngestor(cfg.Media.Dir, cfg.PublicBaseURL, log)
	if err != nil {
		return err
	}

	relay := webhook.New(webhook.Config{
		BootstrapSecret: cfg.Webhook.Secret,
		Timeout:         cfg.Webhook.Timeout,
		Mirrors:         mirrors,
		Logger:          log,
	})
	queue := dispatch.New(dispatch.Config{
		MinInterval:  cfg.Pacing.MinInterval,
		Jitter:       cfg.Pacing.Jitter,
		MaxPerMinute: cfg.Pacing.MaxPerMinute,
		Logger:       log,
	})
	defer queue.Close()

	sup := session.New(session.Config{
		Store: store,
		Dialer: wsbridge.NewDialer(wsbridge.Config{
			URL:            cfg.Transport.BridgeURL,
			RequestTimeout: cfg.Transport.RequestTimeout,
			Logger:         log,
		}),
		Relay:               relay,
		Queue:               queue,
		Media:               ingestor,
		DefaultWebhookURL:   cfg.Webhook.DefaultURL,
		ConnectTimeout:      cfg.Transport.ConnectTimeout,
		MessageCachePerChat: cfg.MessageCachePerChat,
		Logger:              log,
	})
	defer sup.Close()

	if cfg.RestoreSessions {
		n, err := sup.Restore(ctx)
		if err != nil {
			log.Warn("[main] restore sessions", zap.Error(err))
		} else {
			log.Info("[main] sessions restored", zap.Int("count", n))
		}
	}

	h := api.NewHandler(sup, cfg.Pacing.WaitTimeout, log)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.NewRouter(h, api.RouterConfig{APIKey: cfg.APIKey, MediaRoot: ingestor.Root(), Logger: log}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("[HTTP] listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("[main] shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("[main] http shutdown", zap.Error(err))
	}
	return nil
}
