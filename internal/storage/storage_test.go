package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"chatstate/internal/config"
	"chatstate/internal/models"
	"chatstate/internal/redis"
)

func TestMemoryAdapter(t *testing.T) {
	runAdapterSuite(t, NewMemory())
}

func TestFileAdapter(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "sessions"))
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	runAdapterSuite(t, f)
}

func TestSQLiteAdapter(t *testing.T) {
	cfg := config.Default()
	cfg.Databases["sqlite3"] = config.DatabaseConfig{DSN: ":memory:"}
	db, err := Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	backend := NewSQL(db, "sqlite3")
	defer backend.Close()
	runAdapterSuite(t, backend)
}

func TestRedisAdapter(t *testing.T) {
	client := newRedisTestClient(t)
	backend := NewRedis(client, "chatstate-test:")
	defer backend.Close()
	runAdapterSuite(t, backend)
}

func TestRedisWatchSkipsOwnWrites(t *testing.T) {
	client := newRedisTestClient(t)
	defer client.Close()
	local := NewRedis(client, "chatstate-test:")
	remote := NewRedis(client, "chatstate-test:")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Invalidation, 4)
	if err := local.Watch(ctx, func(inv Invalidation) { got <- inv }); err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := local.Save(ctx, snapshot("mine", 1, "a")); err != nil {
		t.Fatalf("local save: %v", err)
	}
	if err := remote.Save(ctx, snapshot("theirs", 1, "b")); err != nil {
		t.Fatalf("remote save: %v", err)
	}
	select {
	case inv := <-got:
		if inv.Scope != ScopeSession || inv.SessionID != "theirs" {
			t.Fatalf("invalidation = %+v", inv)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no invalidation received")
	}

	if err := remote.Remove(ctx, "theirs"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	select {
	case inv := <-got:
		if inv.Scope != ScopeRemoved || inv.SessionID != "theirs" {
			t.Fatalf("invalidation = %+v", inv)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no removal received")
	}
}

func TestFileAdapterLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFile(dir)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		if err := f.Save(ctx, snapshot("a b/c", i, "v")); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single session file, got %d", len(entries))
	}
	ids, err := f.ListIDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "a b/c" {
		t.Fatalf("escaped id not listed: %v %v", ids, err)
	}
}

func TestNewSelectsDriver(t *testing.T) {
	cfg := config.Default()
	cfg.BasicConfig.PersistenceDriver = "memory"
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New memory: %v", err)
	}
	if _, ok := b.(*Memory); !ok {
		t.Fatalf("expected memory backend, got %T", b)
	}

	cfg.BasicConfig.PersistenceDriver = "file"
	cfg.BasicConfig.DataDir = t.TempDir()
	b, err = New(cfg)
	if err != nil {
		t.Fatalf("New file: %v", err)
	}
	if _, ok := b.(*File); !ok {
		t.Fatalf("expected file backend, got %T", b)
	}

	cfg.BasicConfig.PersistenceDriver = "etcd"
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func runAdapterSuite(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	if _, err := b.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load missing: want ErrNotFound, got %v", err)
	}
	if _, err := b.LoadGlobal(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadGlobal missing: want ErrNotFound, got %v", err)
	}

	if err := b.Save(ctx, snapshot("s1", 2, "second")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := b.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Seq != 2 || len(got.Messages) != 1 || got.Messages[0].Content != "second" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if string(got.Settings) == "" {
		t.Fatalf("settings not stored")
	}

	// An older write must not clobber a newer one.
	if err := b.Save(ctx, snapshot("s1", 1, "first")); err != nil {
		t.Fatalf("Save stale: %v", err)
	}
	got, err = b.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load after stale save: %v", err)
	}
	if got.Seq != 2 || got.Messages[0].Content != "second" {
		t.Fatalf("stale snapshot overwrote newer: %+v", got)
	}

	if err := b.Save(ctx, snapshot("s2", 1, "other")); err != nil {
		t.Fatalf("Save s2: %v", err)
	}
	ids, err := b.ListIDs(ctx)
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	if !containsAll(ids, "s1", "s2") {
		t.Fatalf("ListIDs missing ids: %v", ids)
	}

	if err := b.Remove(ctx, "s1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := b.Remove(ctx, "s1"); err != nil {
		t.Fatalf("Remove twice should succeed: %v", err)
	}
	if _, err := b.Load(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load removed: want ErrNotFound, got %v", err)
	}

	raw := json.RawMessage(`{"APIKey":"k","enterToSend":false}`)
	if err := b.SaveGlobal(ctx, raw); err != nil {
		t.Fatalf("SaveGlobal: %v", err)
	}
	gotRaw, err := b.LoadGlobal(ctx)
	if err != nil {
		t.Fatalf("LoadGlobal: %v", err)
	}
	var g models.GlobalSettings
	if err := json.Unmarshal(gotRaw, &g); err != nil || g.APIKey != "k" {
		t.Fatalf("global settings mismatch: %s err=%v", gotRaw, err)
	}
}

func snapshot(id string, seq int64, content string) *models.StoredSession {
	return &models.StoredSession{
		ID: id,
		Messages: []models.Message{
			{ID: "m" + strconv.FormatInt(seq, 10), Role: models.RoleUser, Content: content, Type: models.MessageNormal, DateTime: time.Now().UTC()},
		},
		Settings:  json.RawMessage(`{"title":"t","saveSession":true}`),
		UpdatedAt: time.Now().UTC(),
		Seq:       seq,
	}
}

func containsAll(ids []string, want ...string) bool {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, w := range want {
		if !seen[w] {
			return false
		}
	}
	return true
}

func newRedisTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed storage tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	cfg := config.Default()
	cfg.Redis = config.RedisConfig{Host: host, Port: port, DB: db}
	client, err := redis.NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Raw().FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush db: %v", err)
	}
	return client
}
