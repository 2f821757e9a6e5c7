package app

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
	"marketplace/internal/util"
	"marketplace/pkg/domain"
	"marketplace/pkg/events"
	"marketplace/pkg/storage"
	"marketplace/pkg/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	app       *App
	store     *store.GormStore
	uploadDir string
	events    *recordingPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dataStore, err := store.NewSQLiteStore("file:" + util.NewID() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = dataStore.Close() })
	blobs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	pub := &recordingPublisher{}
	a, err := New(Config{
		Store:      dataStore,
		Sessions:   store.NewMemorySessionStore(0),
		Blobs:      blobs,
		Events:     pub,
		BcryptCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &testEnv{app: a, store: dataStore, uploadDir: blobs.Root(), events: pub}
}

func (e *testEnv) files(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(e.uploadDir)
	if err != nil {
		t.Fatalf("read upload dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func (e *testEnv) userCount(t *testing.T) int {
	t.Helper()
	n, err := e.store.UserCount()
	if err != nil {
		t.Fatalf("user count: %v", err)
	}
	return n
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{G: 200, A: 255})
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func validPhoto(t *testing.T, name string) PhotoUpload {
	return PhotoUpload{File: bytes.NewReader(jpegBytes(t)), Filename: name}
}

func registerInput(email string) RegisterInput {
	return RegisterInput{
		Email:       email,
		DisplayName: "Ada",
		Password:    "p@ss1234",
		Phone:       "555",
		Citizenship: "NZ",
	}
}

func mustRegister(t *testing.T, e *testEnv, email string) domain.User {
	t.Helper()
	u, err := e.app.Register(context.Background(), registerInput(email))
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return u
}

func mustLogin(t *testing.T, e *testEnv, email string) domain.Session {
	t.Helper()
	sess, _, err := e.app.Login(context.Background(), email, "p@ss1234")
	if err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	return sess
}

func TestCloseReleasesSharedRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	dataStore, err := store.NewSQLiteStore("file:" + util.NewID() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = dataStore.Close() })

	a, err := New(Config{
		Store:           dataStore,
		SessionStrategy: "redis",
		RedisAddr:       mr.Addr(),
		UploadDir:       t.TempDir(),
		EventsBackend:   "redis",
		BcryptCost:      bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if a.redis == nil {
		t.Fatalf("expected app to own a redis client")
	}

	ctx := context.Background()
	if _, err := a.Register(ctx, registerInput("r@example.com")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, _, err := a.Login(ctx, "r@example.com", "p@ss1234"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if !mr.Exists("marketplace:events") {
		t.Fatalf("expected the registration event on the stream")
	}

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.redis.Ping(ctx).Err(); !errors.Is(err, redis.ErrClosed) {
		t.Fatalf("expected closed client, got %v", err)
	}
	if _, _, err := a.Login(ctx, "r@example.com", "p@ss1234"); err == nil {
		t.Fatalf("login should fail once the session client is closed")
	}
}

func TestCloseLeavesInjectedStoreOpen(t *testing.T) {
	env := newTestEnv(t)
	if err := env.app.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if env.app.redis != nil {
		t.Fatalf("no redis settings, yet a client was created")
	}
	if err := env.app.Ping(); err != nil {
		t.Fatalf("injected store should stay usable: %v", err)
	}
}
