package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabienpiette/tunevault/internal/config"
	"github.com/fabienpiette/tunevault/internal/models"
)

func newTestGateway(t *testing.T, cfg config.StorageConfig) *LocalGateway {
	t.Helper()
	if cfg.RootPath == "" {
		cfg.RootPath = t.TempDir()
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	g, err := NewLocalGateway(cfg, 5*time.Second, logger)
	require.NoError(t, err)
	return g
}

func audioServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		default:
			w.Header().Set("Content-Type", "audio/mpeg")
			w.Write(payload)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "7/phone/42_high.mp3", FileName(7, "phone", 42, models.QualityHigh))
	assert.Equal(t, "7/phone/42_lossless.flac", FileName(7, "phone", 42, models.QualityLossless))
}

func TestLocalGateway_DownloadWithProgress(t *testing.T) {
	payload := []byte(strings.Repeat("tunevault-audio-frame;", 4096))
	srv := audioServer(t, payload)
	g := newTestGateway(t, config.StorageConfig{UserAgent: "TuneVault-Test/1.0"})

	var calls int
	var last int64
	stored, err := g.DownloadWithProgress(context.Background(), srv.URL+"/song/42?token=abc", "1/phone/42_high.mp3",
		func(written, total int64) {
			calls++
			assert.GreaterOrEqual(t, written, last)
			last = written
		})
	require.NoError(t, err)

	assert.Equal(t, "1/phone/42_high.mp3", stored.Path)
	assert.Equal(t, int64(len(payload)), stored.Size)
	assert.Equal(t, ChecksumBytes(payload), stored.Checksum)
	assert.Greater(t, calls, 0)
	assert.Equal(t, int64(len(payload)), last)

	onDisk, err := os.ReadFile(filepath.Join(g.Root(), "1", "phone", "42_high.mp3"))
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)

	_, err = os.Stat(filepath.Join(g.Root(), "1", "phone", "42_high.mp3"+partSuffix))
	assert.True(t, os.IsNotExist(err), "partial file should be renamed away")

	sum, err := g.Checksum(stored.Path)
	require.NoError(t, err)
	assert.Equal(t, stored.Checksum, sum)
}

func TestLocalGateway_DownloadWithProgress_HTTPError(t *testing.T) {
	srv := audioServer(t, []byte("x"))
	g := newTestGateway(t, config.StorageConfig{})

	_, err := g.DownloadWithProgress(context.Background(), srv.URL+"/missing?token=secret", "1/phone/1_low.mp3", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.NotContains(t, err.Error(), "secret")

	ok, err := g.VerifyIntegrity("1/phone/1_low.mp3", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalGateway_DownloadWithProgress_Cancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1024")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	g := newTestGateway(t, config.StorageConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := g.DownloadWithProgress(ctx, srv.URL, "1/phone/9_low.mp3", nil)
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(g.Root(), "1", "phone"))
	require.NoError(t, err)
	assert.Empty(t, entries, "cancelled transfer must not leave files behind")
}

func TestLocalGateway_Throttled(t *testing.T) {
	payload := make([]byte, 64*1024)
	srv := audioServer(t, payload)
	g := newTestGateway(t, config.StorageConfig{BandwidthLimitKBPS: 10000})

	stored, err := g.DownloadWithProgress(context.Background(), srv.URL, "2/tablet/5_medium.mp3", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), stored.Size)
}

func TestLocalGateway_VerifyIntegrityAndDelete(t *testing.T) {
	g := newTestGateway(t, config.StorageConfig{})
	path := filepath.Join(g.Root(), "3", "phone")
	require.NoError(t, os.MkdirAll(path, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "8_high.mp3"), []byte("12345"), 0644))

	ok, err := g.VerifyIntegrity("3/phone/8_high.mp3", 5)
	require.NoError(t, err)
	assert.True(t, ok)

	exists, err := g.Exists("3/phone/8_high.mp3")
	require.NoError(t, err)
	assert.True(t, exists)

	size, err := g.Size("3/phone/8_high.mp3")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	ok, err = g.VerifyIntegrity("3/phone/8_high.mp3", 6)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, g.Delete("3/phone/8_high.mp3"))
	require.NoError(t, g.Delete("3/phone/8_high.mp3"), "deleting twice is harmless")

	ok, err = g.VerifyIntegrity("3/phone/8_high.mp3", 5)
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err = g.Exists("3/phone/8_high.mp3")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLocalGateway_ResolveStaysUnderRoot(t *testing.T) {
	outside := t.TempDir()
	victim := filepath.Join(outside, "keep.txt")
	require.NoError(t, os.WriteFile(victim, []byte("keep"), 0644))

	g := newTestGateway(t, config.StorageConfig{RootPath: filepath.Join(outside, "root")})

	require.NoError(t, g.Delete("../keep.txt"))
	_, err := os.Stat(victim)
	assert.NoError(t, err, "file outside the root must survive")

	err = g.Delete("/")
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestLocalGateway_PlaybackURL(t *testing.T) {
	g := newTestGateway(t, config.StorageConfig{PublicBaseURL: "https://cdn.example.com/offline/"})
	assert.Equal(t, "https://cdn.example.com/offline/1/phone/42_high.mp3", g.PlaybackURL("1/phone/42_high.mp3"))

	local := newTestGateway(t, config.StorageConfig{})
	assert.True(t, strings.HasPrefix(local.PlaybackURL("1/phone/42_high.mp3"), "file://"))
	assert.True(t, strings.HasSuffix(local.PlaybackURL("1/phone/42_high.mp3"), "/1/phone/42_high.mp3"))
}
