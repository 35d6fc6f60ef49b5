// Package engine assembles the sync engine from configuration: the local
// store, the remote API client, the encrypted live channel, the outbox,
// and the session repository on top of them.
package engine

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"walksync/internal/api"
	"walksync/internal/channel"
	"walksync/internal/config"
	"walksync/internal/connectivity"
	"walksync/internal/history"
	"walksync/internal/metrics"
	"walksync/internal/outbox"
	"walksync/internal/session"
	"walksync/internal/store"
)

type Engine struct {
	Cfg     config.Config
	Log     *zap.Logger
	Store   store.Store
	Tracker *connectivity.Tracker
	Channel *channel.Channel
	Metrics *metrics.Metrics
	Repo    *session.Repository
}

func New(cfg config.Config, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	met := metrics.New()
	tracker := connectivity.NewTracker()
	apiClient := api.NewHTTPClient(cfg.APIBaseURL, cfg.AuthToken, nil)

	ch := channel.New(channel.Config{
		URL:               cfg.ChannelURL,
		MaxAttempts:       cfg.ReconnectMaxAttempts,
		RetryInterval:     cfg.ReconnectInterval(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		MaxMessageBytes:   cfg.MaxMessageBytes,
		KeyMaterial:       []byte(cfg.ChannelKey),
	}, log, met)

	hist := history.New(apiClient, st, log)
	ob := outbox.New(st)

	repo := session.NewRepository(session.Config{
		BatchThreshold: cfg.BatchThreshold,
		MaxMediaBytes:  cfg.MaxMediaBytes,
		AuthToken:      cfg.AuthToken,
	}, apiClient, st, tracker, ch, hist, ob, log, met)

	return &Engine{
		Cfg:     cfg,
		Log:     log,
		Store:   st,
		Tracker: tracker,
		Channel: ch,
		Metrics: met,
		Repo:    repo,
	}, nil
}

func (e *Engine) Close() error {
	e.Repo.Close()
	return e.Store.Close()
}

// openStore picks the local persistence backend: redis when an address is
// configured, sqlite when a path is, otherwise in-memory.
func openStore(cfg config.Config) (store.Store, error) {
	switch {
	case cfg.RedisAddr != "":
		return store.NewRedis(cfg.RedisAddr, cfg.RedisPassword), nil
	case cfg.SQLitePath != "":
		return store.NewSQLite(cfg.SQLitePath)
	default:
		return store.NewMemory(), nil
	}
}

// NewLogger builds the engine's zap logger for the configured level.
// Unknown levels fall back to info.
func NewLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	log, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}
