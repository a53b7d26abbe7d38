package runtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuslib/library_service/internal/app/domain/book"
	"github.com/campuslib/library_service/internal/app/services/notify"
	"github.com/campuslib/library_service/internal/config"
	"github.com/campuslib/library_service/internal/logging"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Sweeps.Enabled = false
	cfg.Auth.JWTSecret = "test-secret"
	return cfg
}

func quietLogger() *logging.Logger {
	return logging.New("test", "error", "text")
}

func TestAppOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Library.ReturnAvailability = "always"
	cfg.Library.FineRate = 2.5
	cfg.Sweeps.Timezone = "UTC"

	opts, err := AppOptions(cfg, &notify.Outbox{})
	require.NoError(t, err)
	assert.Equal(t, book.PolicyAlways, opts.Circulation.Policy)
	assert.Equal(t, 2.5, opts.Circulation.FineRate)
	assert.Equal(t, 14*24*time.Hour, opts.Circulation.LoanPeriod)
	assert.Equal(t, time.UTC, opts.Location)
	assert.Equal(t, "http://localhost:5173", opts.FrontendURL)

	cfg.Sweeps.Timezone = "Mars/Olympus"
	_, err = AppOptions(cfg, nil)
	assert.Error(t, err)
}

func TestBuildMailer(t *testing.T) {
	cfg := config.Default().Mail
	_, ok := BuildMailer(cfg, quietLogger()).(*notify.LogMailer)
	assert.True(t, ok)

	cfg.Transport = "smtp"
	cfg.SMTPHost = "smtp.example.com"
	_, ok = BuildMailer(cfg, quietLogger()).(*notify.SMTPMailer)
	assert.True(t, ok)
}

func TestBuildStores_SQLiteMigrates(t *testing.T) {
	cfg := testConfig()
	cfg.Database.Driver = config.DriverSQLite
	cfg.Database.DSN = filepath.Join(t.TempDir(), "library.db")

	stores, closers, err := BuildStores(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	require.NotNil(t, stores.Books)

	books, err := stores.Books.ListBooks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, books)
}

func TestBuildStores_UnreachableRedis(t *testing.T) {
	cfg := testConfig()
	cfg.Redis.CodeStore = config.CodeStoreRedis
	cfg.Redis.URL = "redis://127.0.0.1:1/0"

	_, _, err := BuildStores(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}

func TestRunServesUntilCancelled(t *testing.T) {
	a, err := NewApplication(context.Background(), testConfig(), quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", a.Addr()))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestShutdownClosesAuditFile(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AuditLog = filepath.Join(t.TempDir(), "audit.jsonl")
	a, err := NewApplication(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	assert.Contains(t, a.closers, io.Closer(a.api))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	require.Eventually(t, func() bool { return a.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Empty(t, a.closers)
}
