package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/livechat/internal/config"
	"github.com/livechat/internal/email"
	"github.com/livechat/internal/handler"
	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/middleware"
	"github.com/livechat/internal/model"
	"github.com/livechat/internal/persist"
	"github.com/livechat/internal/push"
	"github.com/livechat/internal/repository"
	"github.com/livechat/internal/startup"
	"github.com/livechat/internal/ws"
)

const (
	relayStateKey = "relay_rooms_v1"
	pushSubsKey   = "relay_push_subs_v1"
	vapidKey      = "relay_vapid_v1"
)

func main() {
	logger.SetPrefix("relay")
	maxConns := flag.Int("max-conns", 10000, "maximum concurrent STOMP sessions")
	history := flag.Int("history", repository.DefaultRoomHistory, "messages kept per room")
	flag.Parse()

	logger.Info("starting chat relay")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	store, err := startup.OpenStore(context.Background(), cfg.Storage, 30*time.Second)
	if err != nil {
		logger.Errorf("storage: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	chatRepo := repository.NewChatRepository(persist.New(store, relayStateKey), *history)
	profileRepo := repository.NewProfileRepository(model.Profile{Name: "Portfolio owner"})
	creds := middleware.Credentials{User: cfg.AdminUser, Password: cfg.AdminPassword}
	var notifier handler.ContactNotifier
	if cfg.SMTP.Enabled() {
		notifier = email.NewSender(cfg.SMTP)
		logger.Infof("contact form notifications to %s", middleware.MaskEmail(cfg.SMTP.NotifyTo))
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(chatRepo, creds.Valid, *maxConns, cfg.HeartbeatOut)
	var pushSvc *push.Service
	if keys, err := push.LoadVAPIDKeys(context.Background(), persist.New(store, vapidKey)); err != nil {
		logger.Errorf("push: VAPID keys unavailable, notifications disabled: %v", err)
	} else {
		pushSvc = push.NewService(persist.New(store, pushSubsKey), keys, "livechat-relay")
		hub.SetOfflineNotifier(pushSvc)
		logger.Infof("push: %d admin subscriptions restored", pushSvc.Count())
	}

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	srv := &http.Server{
		Addr: cfg.ServerAddr,
		Handler: handler.NewRouter(handler.RouterDeps{
			Hub:            hub,
			Chat:           chatRepo,
			Profile:        profileRepo,
			Admin:          creds,
			Notifier:       notifier,
			Push:           pushSvc,
			AllowedOrigins: cfg.CORSAllowedOrigins,
			MetricsSecret:  cfg.MetricsSecret,
			AccessLog:      cfg.LogLevel == "debug",
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("relay listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Flush()
}
