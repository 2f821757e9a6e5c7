package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"marketplace/internal/util"
	"marketplace/pkg/auth"
	"marketplace/pkg/events"
	"marketplace/pkg/storage"
	"marketplace/pkg/store"
)

// Config holds runtime configuration for the core application.
// Injected dependencies (Store, Sessions, Blobs, Events) win over the connection settings.
type Config struct {
	DatabaseDriver string
	DatabaseURL    string

	SessionStrategy string
	SessionTTL      time.Duration
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	RedisAddr       string
	RedisPassword   string

	UploadBackend  string
	UploadDir      string
	MaxUploadBytes int64
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	EventsBackend string
	AMQPURL       string
	AMQPExchange  string
	EventsStream  string

	BcryptCost int

	Store    store.Store
	Sessions store.SessionStore
	Blobs    storage.Blobs
	Events   events.Publisher
}

// App is the core application service wiring together storage, uploads and auth logic.
type App struct {
	store    store.Store
	sessions store.SessionStore
	uploads  *storage.Uploader
	events   events.Publisher
	hasher   *auth.Hasher
	// redis is the shared client built from RedisAddr, nil when nothing needed it.
	redis *redis.Client
	// db is set when New opened the database itself.
	db *store.GormStore

	dummyOnce sync.Once
	dummyHash string
}

// New constructs the application, building any dependency that was not injected.
func New(cfg Config) (*App, error) {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}

	var owned *store.GormStore
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		gs, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init %s store: %w", cfg.DatabaseDriver, err)
		}
		dataStore = gs
		owned = gs
	}

	rc := &redisConn{addr: cfg.RedisAddr, password: cfg.RedisPassword}
	fail := func(err error) (*App, error) {
		_ = rc.close()
		if owned != nil {
			_ = owned.Close()
		}
		return nil, err
	}

	sessionStore := cfg.Sessions
	if sessionStore == nil {
		var err error
		sessionStore, err = newSessionStore(cfg, rc)
		if err != nil {
			return fail(err)
		}
	}

	blobs := cfg.Blobs
	if blobs == nil {
		var err error
		blobs, err = newBlobs(cfg)
		if err != nil {
			return fail(err)
		}
	}
	uploads, err := storage.NewUploader(storage.UploaderConfig{Blobs: blobs, MaxBytes: cfg.MaxUploadBytes})
	if err != nil {
		return fail(err)
	}

	publisher := cfg.Events
	if publisher == nil {
		publisher, err = newPublisher(cfg, rc)
		if err != nil {
			return fail(err)
		}
	}

	return &App{
		store:    dataStore,
		sessions: sessionStore,
		uploads:  uploads,
		events:   publisher,
		hasher:   auth.NewHasher(cfg.BcryptCost),
		redis:    rc.client,
		db:       owned,
	}, nil
}

// Close releases the event publisher, the shared redis client and a database opened by New.
// Injected dependencies other than the publisher stay open.
func (a *App) Close() error {
	err := a.events.Close()
	if a.redis != nil {
		err = errors.Join(err, a.redis.Close())
	}
	if a.db != nil {
		err = errors.Join(err, a.db.Close())
	}
	return err
}

// redisConn dials lazily so one client serves sessions, revocation and events.
type redisConn struct {
	addr     string
	password string
	client   *redis.Client
}

func (c *redisConn) get() *redis.Client {
	if c.client == nil {
		c.client = redis.NewClient(&redis.Options{Addr: c.addr, Password: c.password})
	}
	return c.client
}

func (c *redisConn) close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Ping checks the database for readiness probes.
func (a *App) Ping() error {
	if _, err := a.store.UserCount(); err != nil {
		return storageError("ping", err)
	}
	return nil
}

func newSessionStore(cfg Config, rc *redisConn) (store.SessionStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.SessionStrategy)) {
	case "", "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, fmt.Errorf("redisAddr is required for redis session strategy")
		}
		return store.NewRedisSessionStoreWithClient(rc.get(), cfg.SessionTTL), nil
	case "jwt":
		var revoker store.UserTokenRevoker
		if strings.TrimSpace(cfg.RedisAddr) != "" {
			revoker = store.NewRedisTokenRevokerWithClient(rc.get())
		}
		s, err := store.NewJWTSessionStore(cfg.JWTSecret, cfg.SessionTTL, revoker, store.JWTOptions{
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		})
		if err != nil {
			return nil, fmt.Errorf("init jwt session store: %w", err)
		}
		return s, nil
	case "memory":
		return store.NewMemorySessionStore(cfg.SessionTTL), nil
	default:
		return nil, fmt.Errorf("unknown session strategy %q", cfg.SessionStrategy)
	}
}

func newBlobs(cfg Config) (storage.Blobs, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.UploadBackend)) {
	case "", "local":
		fs, err := storage.NewFileStore(cfg.UploadDir)
		if err != nil {
			return nil, fmt.Errorf("init upload dir: %w", err)
		}
		return fs, nil
	case "minio":
		ms, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, "uploads", cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("init minio store: %w", err)
		}
		return ms, nil
	default:
		return nil, fmt.Errorf("unknown upload backend %q", cfg.UploadBackend)
	}
}

func newPublisher(cfg Config, rc *redisConn) (events.Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.EventsBackend)) {
	case "", "none":
		return events.NopPublisher{}, nil
	case "amqp":
		p, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, fmt.Errorf("init amqp publisher: %w", err)
		}
		return p, nil
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, errors.New("redisAddr is required for redis events")
		}
		p, err := events.NewRedisStreamPublisher(rc.get(), events.RedisStreamConfig{Stream: cfg.EventsStream})
		if err != nil {
			return nil, fmt.Errorf("init redis events: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.EventsBackend)
	}
}

// publish runs after commit; a failed publish is logged and never undoes the change.
func (a *App) publish(ctx context.Context, eventType string, data map[string]any) {
	e := events.New(eventType, data)
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := a.events.Publish(pubCtx, e); err != nil {
		util.LoggerFromContext(ctx).Warn("event publish failed", "event", eventType, "event_id", e.ID, "err", err)
	}
}
