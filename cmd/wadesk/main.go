package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/talkincode/wadesk/config"
	"github.com/talkincode/wadesk/internal/adminapi"
	"github.com/talkincode/wadesk/internal/app"
	"github.com/talkincode/wadesk/internal/domain"
	"github.com/talkincode/wadesk/internal/eventbus"
	"github.com/talkincode/wadesk/internal/inbox"
	"github.com/talkincode/wadesk/internal/jobs"
	"github.com/talkincode/wadesk/internal/queue"
	"github.com/talkincode/wadesk/internal/realtime"
	"github.com/talkincode/wadesk/internal/vault"
	"github.com/talkincode/wadesk/internal/webserver"
	"github.com/talkincode/wadesk/internal/whatsapp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	conffile = flag.String("c", "", "config yaml file")
	initdb   = flag.Bool("initdb", false, "drop and recreate all tables, then exit")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*conffile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	application := app.NewApplication(cfg)
	if err := application.Init(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *initdb {
		application.DropAll()
		err = application.MigrateDB(true)
	} else {
		err = run(cfg, application)
	}
	if err != nil {
		zap.S().Errorf("wadesk exited: %v", err)
	}
	application.Release()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, application *app.Application) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Web.JwtSecret == "" {
		return errors.New("web.jwt_secret is required")
	}
	db := application.DB()

	v, err := vault.NewFromSecret(cfg.Session.EncryptionKey)
	if err != nil {
		return err
	}
	bus := eventbus.New()

	transport, err := whatsapp.NewWhatsmeowTransport(ctx, db, cfg.Database.Type)
	if err != nil {
		return err
	}
	orch := whatsapp.NewOrchestrator(
		transport,
		whatsapp.NewGormSessionRepository(db, v),
		whatsapp.NewGormInstanceRepository(db),
		bus,
		whatsapp.WithMaxRetries(cfg.Session.MaxRetries),
	)
	defer orch.Shutdown()

	// the recorder must see a message before the bridge resolves its conversation
	recorder := inbox.NewRecorder(db)
	if err := recorder.Register(bus); err != nil {
		return err
	}
	hub := realtime.NewHub(conversationCheck(db))
	defer hub.Close()
	if err := realtime.NewBridge(hub, recorder).Register(bus); err != nil {
		return err
	}

	store, err := queue.Open(cfg.Queue.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	handlers := jobs.NewHandlers(orch, jobs.NewGormRepository(db), store, cfg.Queue.MaxAttempts)
	pools, err := startPools(ctx, store, handlers, cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		for _, p := range pools {
			p.Stop()
		}
	}()

	if err := application.StartJobs(jobs.NewDispatcher(jobs.NewGormRepository(db), store, cfg.Queue.MaxAttempts)); err != nil {
		return err
	}

	srv := webserver.NewAdminServer(cfg.Web)
	srv.AuthGET("/ws", hub.ServeWS)
	adminapi.New(db, orch, inbox.NewLockService(db), store, cfg.Queue.MaxAttempts).Register(srv)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		if err := orch.RestoreAll(gctx); err != nil {
			zap.L().Error("restore sessions failed", zap.String("namespace", "whatsapp"), zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("shutting down", zap.String("namespace", "main"))
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func startPools(ctx context.Context, store *queue.Store, h *jobs.Handlers, cfg config.QueueConfig) ([]*queue.Pool, error) {
	specs := []struct {
		name    string
		handler queue.Handler
		conf    queue.PoolConfig
	}{
		{jobs.QueueSend, h.Send, queue.PoolConfig{Concurrency: cfg.SendConcurrency, Rate: cfg.SendRate, Backoff: cfg.Backoff}},
		{jobs.QueueScheduled, h.Scheduled, queue.PoolConfig{Concurrency: cfg.ScheduledConcurrency, Backoff: cfg.Backoff}},
		{jobs.QueueFollowup, h.Followup, queue.PoolConfig{Concurrency: cfg.FollowupConcurrency, Backoff: cfg.Backoff}},
	}
	pools := make([]*queue.Pool, 0, len(specs))
	for _, s := range specs {
		p, err := queue.NewPool(store, s.name, s.handler, s.conf)
		if err != nil {
			for _, started := range pools {
				started.Stop()
			}
			return nil, err
		}
		p.Start(ctx)
		pools = append(pools, p)
	}
	return pools, nil
}

func conversationCheck(db *gorm.DB) realtime.ConversationCheck {
	return func(ctx context.Context, tenantID, conversationID string) bool {
		var count int64
		err := db.WithContext(ctx).Model(&domain.Conversation{}).
			Where("tenant_id = ? AND id = ?", tenantID, conversationID).
			Count(&count).Error
		return err == nil && count > 0
	}
}
