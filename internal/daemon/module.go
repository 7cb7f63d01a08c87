package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/chatlink/internal/api"
	"github.com/matheus3301/chatlink/internal/archive"
	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/clock"
	"github.com/matheus3301/chatlink/internal/config"
	"github.com/matheus3301/chatlink/internal/conn"
	"github.com/matheus3301/chatlink/internal/delivery"
	"github.com/matheus3301/chatlink/internal/lock"
	"github.com/matheus3301/chatlink/internal/logging"
	"github.com/matheus3301/chatlink/internal/message"
	"github.com/matheus3301/chatlink/internal/outbox"
	"github.com/matheus3301/chatlink/internal/profile"
	"github.com/matheus3301/chatlink/internal/sched"
	"github.com/matheus3301/chatlink/internal/status"
	"github.com/matheus3301/chatlink/internal/store"
	"github.com/matheus3301/chatlink/internal/timeline"
	"github.com/matheus3301/chatlink/internal/transport/ws"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// loopResolution bounds how late a timer may fire on the event loop.
const loopResolution = 10 * time.Millisecond

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string          // optional override for testing; empty = use default
	Config     *config.Profile // optional; nil = load from the profile dir
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideClock,
			provideScheduler,
			provideLoop,
			bus.New,
			status.NewMachine,
			message.NewArena,
			provideTimeline,
			provideLock,
			provideStore,
			provideDialer,
			provideManager,
			provideQueue,
			provideDeliveryClient,
			provideDeliveryService,
			provideArchiver,
			provideAPI,
			NewServer,
		),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Profile, error) {
	if p.Config != nil {
		cfg := *p.Config
		cfg.ApplyDefaults()
		return &cfg, cfg.Validate()
	}
	return profile.Load(p.Profile)
}

func provideLogger(p Params, cfg *config.Profile) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, cfg.LogLevel)
}

func provideClock() clock.Clock {
	return clock.Real{}
}

func provideScheduler(clk clock.Clock) *sched.Scheduler {
	return sched.New(clk)
}

func provideLoop(s *sched.Scheduler, logger *zap.Logger) *sched.Loop {
	return sched.NewLoop(s, loopResolution, logger)
}

func provideTimeline(arena *message.Arena, logger *zap.Logger) *timeline.Store {
	return timeline.NewStore(arena, logger)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile), p.Profile)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so two daemons never migrate the same
// archive.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.ArchivePath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("archive initialized", zap.String("path", dbPath))
	return db, nil
}

func provideDialer(cfg *config.Profile, loop *sched.Loop, logger *zap.Logger) conn.Dialer {
	return ws.NewDialer(ws.Config{
		HandshakeTimeout: cfg.Transport.HandshakeTimeout.Duration,
		WriteTimeout:     cfg.Transport.WriteTimeout.Duration,
		SendBuffer:       cfg.Transport.SendBuffer,
	}, loop.Post, logger)
}

func provideManager(cfg *config.Profile, dialer conn.Dialer, s *sched.Scheduler, m *status.Machine, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(conn.Config{
		URL:                  cfg.ServerURL,
		HeartbeatInterval:    cfg.Connection.HeartbeatInterval.Duration,
		ReconnectDelay:       cfg.Connection.ReconnectDelay.Duration,
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
		ConnectTimeout:       cfg.Connection.ConnectTimeout.Duration,
		AliveTimeout:         cfg.Connection.AliveTimeout.Duration,
	}, dialer, s, m, b, logger)
}

func provideQueue(cfg *config.Profile, arena *message.Arena, mgr *conn.Manager, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(arena, mgr, clk, b, outbox.Config{
		AckTimeout:    cfg.Delivery.AckTimeout.Duration,
		RetryInterval: cfg.Delivery.RetryInterval.Duration,
		MaxRetries:    cfg.Delivery.MaxRetries,
	}, logger)
}

func provideDeliveryClient(cfg *config.Profile, arena *message.Arena, tl *timeline.Store, q *outbox.Queue, mgr *conn.Manager, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *delivery.Client {
	return delivery.New(cfg.UserID, arena, tl, q, mgr, clk, b, logger)
}

func provideDeliveryService(loop *sched.Loop, c *delivery.Client, db *store.DB, logger *zap.Logger) *delivery.Service {
	return delivery.NewService(loop, c, db, logger)
}

func provideArchiver(cfg *config.Profile, db *store.DB, b *bus.Bus, logger *zap.Logger) *archive.Archiver {
	return archive.New(db, b, cfg.UserID, logger)
}

func provideAPI(cfg *config.Profile, svc *delivery.Service, b *bus.Bus, logger *zap.Logger) *api.DeliveryService {
	return api.NewDeliveryService(svc, b, cfg.Token, logger)
}

type lifecycleParams struct {
	fx.In

	Config   *config.Profile
	Server   *Server
	Lock     *lock.Lock
	DB       *store.DB
	Loop     *sched.Loop
	Client   *delivery.Client
	Service  *delivery.Service
	Archiver *archive.Archiver
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, lp lifecycleParams) {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	logger := lp.Logger

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Archive before anything can publish message events.
			lp.Archiver.Start(context.Background())

			go func() {
				if err := lp.Loop.Run(loopCtx); err != nil {
					logger.Error("event loop error", zap.Error(err))
				}
			}()
			if err := lp.Loop.Do(ctx, func() { lp.Client.Start(lp.Loop.Scheduler()) }); err != nil {
				return err
			}

			go func() {
				if err := lp.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if lp.Config.AutoConnect {
				go func() {
					if err := lp.Service.Connect(loopCtx, lp.Config.Token); err != nil {
						logger.Warn("auto-connect failed", zap.Error(err))
					}
				}()
			} else {
				logger.Info("auto_connect disabled, waiting for Connect")
			}
			logger.Info("daemon started", zap.String("session_id", lp.Client.SessionID()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			lp.Server.Stop(ctx)
			if err := lp.Service.Disconnect(ctx, "daemon shutdown"); err != nil {
				logger.Warn("disconnect on shutdown", zap.Error(err))
			}
			_ = lp.Loop.Do(ctx, lp.Client.Stop)
			stopLoop()
			<-lp.Loop.Done()

			lp.Archiver.Stop()
			if err := lp.DB.Close(); err != nil {
				logger.Warn("error closing archive", zap.Error(err))
			}
			if err := lp.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
