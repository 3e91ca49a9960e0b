// Package daemon composes the chatsync daemon: one profile, one bridge
// connection, one sqlite snapshot, and the HTTP control plane on loopback.
package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/acamacho/chatsync/internal/bridge"
	"github.com/acamacho/chatsync/internal/bus"
	"github.com/acamacho/chatsync/internal/campaign"
	"github.com/acamacho/chatsync/internal/chatlist"
	"github.com/acamacho/chatsync/internal/config"
	"github.com/acamacho/chatsync/internal/conn"
	"github.com/acamacho/chatsync/internal/convo"
	"github.com/acamacho/chatsync/internal/lock"
	"github.com/acamacho/chatsync/internal/logging"
	"github.com/acamacho/chatsync/internal/profile"
	"github.com/acamacho/chatsync/internal/status"
	"github.com/acamacho/chatsync/internal/store"
	"github.com/acamacho/chatsync/internal/suggest"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	HTTPAddr    string // optional override for testing; empty = use config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideBridgeClient,
			provideConnManager,
			provideChatList,
			provideSessions,
			provideSuggestProvider,
			provideSuggestEngine,
			provideDispatcher,
			NewHandlers,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBridgeClient(cfg *config.Config, logger *zap.Logger) *bridge.Client {
	return bridge.New(cfg.Bridge.APIURL, cfg.ResolveToken(), logger)
}

func provideConnManager(cfg *config.Config, m *status.Machine, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(cfg.Bridge.WSURL, cfg.ResolveToken(), m, b, logger)
}

func provideChatList(br *bridge.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *chatlist.Store {
	return chatlist.NewStore(br, db, b, logger)
}

func provideSessions(br *bridge.Client, chats *chatlist.Store, b *bus.Bus, logger *zap.Logger) *convo.Manager {
	return convo.NewManager(br, chats, b, logger)
}

func provideSuggestProvider(cfg *config.Config, br *bridge.Client, logger *zap.Logger) suggest.Provider {
	if cfg.Suggest.Provider == "openai" {
		key := os.Getenv(cfg.Suggest.OpenAIKeyEnv)
		if key != "" {
			return suggest.NewOpenAIProvider(key, cfg.Suggest.OpenAIModel)
		}
		logger.Warn("openai provider selected but no api key found, falling back to bridge",
			zap.String("env", cfg.Suggest.OpenAIKeyEnv))
	}
	return suggest.NewBridgeProvider(br)
}

func provideSuggestEngine(p suggest.Provider, sessions *convo.Manager, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *suggest.Engine {
	debounce := time.Duration(cfg.Suggest.DebounceMs) * time.Millisecond
	return suggest.NewEngine(p, sessions, b, logger, debounce)
}

func provideDispatcher(cm *conn.Manager, db *store.DB, b *bus.Bus, logger *zap.Logger) *campaign.Dispatcher {
	return campaign.NewDispatcher(cm, db, b, logger)
}

func provideServer(p Params, cfg *config.Config, h *Handlers, logger *zap.Logger) *Server {
	addr := p.HTTPAddr
	if addr == "" {
		addr = cfg.HTTP.Addr
	}
	return NewServer(addr, h, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	cm *conn.Manager,
	chats *chatlist.Store,
	engine *suggest.Engine,
	dispatcher *campaign.Dispatcher,
	b *bus.Bus,
	logger *zap.Logger,
) {
	var unsubInbound func()

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Surface the cached list while the first refresh runs.
			if err := chats.LoadSnapshot(); err != nil {
				logger.Warn("could not load chat snapshot", zap.Error(err))
			}

			engine.Start()

			// Any push from the bridge means the list is stale; refetch it.
			// The full fetch stays the source of truth, so bursts coalesce
			// into one request.
			inbound, unsub := b.Subscribe(bus.KindBridgeInbound, 64)
			unsubInbound = unsub
			go func() {
				for range inbound {
				drain:
					for {
						select {
						case _, ok := <-inbound:
							if !ok {
								return
							}
						default:
							break drain
						}
					}
					ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
					if err := chats.Refresh(ctx); err != nil {
						logger.Warn("push-triggered refresh failed", zap.Error(err))
					}
					cancel()
				}
			}()

			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			// Auto-connect when a credential is configured; without one the
			// daemon stays up and waits for a manual connect.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := cm.Connect(ctx, true); err != nil {
					if errors.Is(err, conn.ErrNoAuthToken) {
						logger.Info("no bridge token configured, waiting for manual connect")
						return
					}
					logger.Warn("auto-connect failed", zap.Error(err))
					return
				}
				if err := chats.Refresh(ctx); err != nil {
					logger.Warn("initial chat refresh failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := dispatcher.Cancel(); err != nil && !errors.Is(err, campaign.ErrNoCampaign) {
				logger.Warn("error cancelling campaign", zap.Error(err))
			}
			if unsubInbound != nil {
				unsubInbound()
			}
			engine.Stop()
			cm.Close()
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("error stopping http server", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
