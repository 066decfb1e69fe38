// Package daemon hosts the insight engine.
//
// The Manager opens the SQLite store, builds the delivery channels and the
// data source adapters from config, starts the engine and serves the unix
// socket that session clients use to receive insights and to feed the
// engine's input ports (replies, activity, session starts, queries).
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/heliosarchitect/openclaw-sub001/internal/config"
	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
	"github.com/heliosarchitect/openclaw-sub001/internal/notify"
	"github.com/heliosarchitect/openclaw-sub001/internal/sources"
	"github.com/heliosarchitect/openclaw-sub001/internal/storage"
)

// HeartbeatInterval is how often connected clients get an engine summary.
const HeartbeatInterval = 30 * time.Second

// Manager owns the engine and its collaborators for the daemon's lifetime.
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger

	store  *storage.Store
	engine *insights.Engine
	server *notify.SocketServer
	redis  *redis.Client

	heartbeat time.Duration
}

// NewManager builds everything the daemon needs. Nothing runs until Run.
func NewManager(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.EnsureStorageDir(); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	store, err := storage.New(cfg.StoragePath)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		logger:    logger.With("component", "daemon"),
		store:     store,
		server:    notify.NewSocketServer(cfg.SocketPath, logger),
		heartbeat: HeartbeatInterval,
	}

	adapters := make([]insights.Adapter, 0, len(cfg.Sources))
	for _, spec := range cfg.Sources {
		a, err := sources.FromSpec(spec, store)
		if err != nil {
			store.Close()
			return nil, err
		}
		adapters = append(adapters, a)
	}

	engine, err := insights.New(cfg.Predict, insights.Options{
		Logger:   logger,
		Store:    store,
		Channels: m.buildChannels(ctx),
		Adapters: adapters,
	})
	if err != nil {
		m.closeBackends()
		return nil, err
	}
	m.engine = engine
	m.server.Handle(m.handleMessage)
	return m, nil
}

// Engine exposes the engine for in-process consumers.
func (m *Manager) Engine() *insights.Engine { return m.engine }

// buildChannels maps each delivery kind to a sink. The socket is the
// last resort for every kind, so a missing optional sink degrades to the
// session stream instead of failing delivery.
func (m *Manager) buildChannels(ctx context.Context) map[insights.ChannelKind]insights.Channel {
	ch := m.cfg.Channels

	urgent := notify.Fallback{}
	if ch.Desktop.Enabled {
		desktop := notify.NewDesktopNotifier(ch.Desktop.AppName)
		if desktop.Available() {
			urgent = append(urgent, desktop)
		} else {
			m.logger.Info("notify-send not found, urgent insights go to the session socket")
		}
	}
	urgent = append(urgent, m.server)

	relay := notify.Fallback{}
	if ch.Redis.URL != "" {
		client, err := notify.DialRedis(ctx, ch.Redis.URL)
		if err != nil {
			m.logger.Warn("redis relay unavailable, relaying over the session socket", "error", err)
		} else {
			m.redis = client
			relay = append(relay, notify.NewRedisRelay(client, ch.Redis.Stream, ch.Redis.MaxLen, m.logger))
		}
	}
	relay = append(relay, m.server)

	digest := notify.Fallback{}
	if ch.SMTP.Configured() {
		digest = append(digest, notify.NewSMTPDigest(ch.SMTP))
	}
	digest = append(digest, m.server)

	return map[insights.ChannelKind]insights.Channel{
		insights.ChannelUrgent:    urgent,
		insights.ChannelInSession: m.server,
		insights.ChannelRelay:     relay,
		insights.ChannelDigest:    digest,
	}
}

// Run serves until ctx is cancelled, then shuts everything down.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.server.Start(); err != nil {
		m.closeBackends()
		return err
	}
	if err := m.engine.Start(ctx); err != nil {
		m.server.Stop()
		m.closeBackends()
		return err
	}
	m.logger.Info("daemon started",
		"socket", m.server.Path(),
		"store", m.store.Path(),
		"sources", len(m.engine.Sources()),
		"status", m.engine.Status())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.runHeartbeat(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		m.shutdown()
		return nil
	})
	return g.Wait()
}

func (m *Manager) shutdown() {
	m.logger.Info("shutting down")
	m.engine.Stop()
	m.server.Stop()
	m.closeBackends()
}

func (m *Manager) closeBackends() {
	if m.redis != nil {
		m.redis.Close()
	}
	if err := m.store.Close(); err != nil {
		m.logger.Warn("close store", "error", err)
	}
}

func (m *Manager) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.server.ClientCount() == 0 {
				continue
			}
			env, err := notify.NewEnvelope(notify.TypeHeartbeat, "", m.heartbeatPayload())
			if err != nil {
				m.logger.Error("encode heartbeat", "error", err)
				continue
			}
			m.server.Broadcast(env)
		}
	}
}

func (m *Manager) heartbeatPayload() notify.HeartbeatPayload {
	res := m.engine.QueryInsights(insights.Query{IncludeQueue: true, Limit: math.MaxInt32})
	return notify.HeartbeatPayload{
		Status:     res.Status,
		Sources:    res.Sources,
		Stale:      res.SourcesStale,
		Active:     len(res.Insights),
		FocusSince: res.FocusSince,
	}
}

// handleMessage maps one client message onto an engine input port.
func (m *Manager) handleMessage(_ context.Context, env notify.Envelope) (*notify.Envelope, error) {
	switch env.Type {
	case notify.TypeReply:
		var p notify.ReplyPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		m.engine.RecordReply(p.Text)

	case notify.TypeActivity:
		var a insights.Activity
		if err := env.Decode(&a); err != nil {
			return nil, err
		}
		m.engine.RecordActivity(a)

	case notify.TypeSessionStart:
		var p notify.SessionStartPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		m.engine.StartSession(p.SessionID)

	case notify.TypeDelegated:
		var p notify.DelegatedPayload
		if err := env.Decode(&p); err != nil {
			return nil, err
		}
		m.engine.SetDelegated(p.Active)

	case notify.TypeFlush:
		m.engine.FlushBatch()

	case notify.TypeQuery:
		var q insights.Query
		if len(env.Payload) > 0 {
			if err := env.Decode(&q); err != nil {
				return nil, err
			}
		}
		resp, err := notify.NewEnvelope(notify.TypeQueryResult, "", m.engine.QueryInsights(q))
		if err != nil {
			return nil, err
		}
		return &resp, nil

	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}

	ack, err := notify.NewEnvelope(notify.TypeAck, "", nil)
	if err != nil {
		return nil, err
	}
	return &ack, nil
}
