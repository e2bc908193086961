package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"

	"github.com/fabienpiette/tunevault/internal/config"
	"github.com/fabienpiette/tunevault/internal/models"
)

const (
	partSuffix    = ".part"
	throttleChunk = 32 * 1024
)

// ErrOutsideRoot is returned for file names that resolve outside the storage root
var ErrOutsideRoot = errors.New("path escapes storage root")

// ProgressFunc receives the number of bytes written so far and the expected total.
// total is -1 when the source did not announce a length.
type ProgressFunc func(written, total int64)

// StoredFile describes an artifact written by the gateway
type StoredFile struct {
	Path     string
	Size     int64
	Checksum string
}

// Gateway stores downloaded audio files on behalf of devices
type Gateway interface {
	Exists(filePath string) (bool, error)
	Size(filePath string) (int64, error)
	DownloadWithProgress(ctx context.Context, sourceURL, fileName string, onProgress ProgressFunc) (*StoredFile, error)
	Delete(filePath string) error
	VerifyIntegrity(filePath string, expectedSize int64) (bool, error)
	Checksum(filePath string) (string, error)
	PlaybackURL(filePath string) string
}

// LocalGateway keeps files under a root directory on the local filesystem
type LocalGateway struct {
	root          string
	publicBaseURL string
	userAgent     string
	httpClient    *http.Client
	limiter       *rate.Limiter
	logger        *logrus.Logger
}

// NewLocalGateway creates a gateway rooted at cfg.RootPath
func NewLocalGateway(cfg config.StorageConfig, timeout time.Duration, logger *logrus.Logger) (*LocalGateway, error) {
	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	g := &LocalGateway{
		root:          root,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		userAgent:     cfg.UserAgent,
		httpClient:    &http.Client{Timeout: timeout},
		logger:        logger,
	}
	if cfg.BandwidthLimitKBPS > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthLimitKBPS*1024), throttleChunk)
	}
	return g, nil
}

// FileName builds the per-device storage name of a song at a quality
func FileName(userID int64, deviceID string, songID int64, quality models.Quality) string {
	ext := "mp3"
	if quality == models.QualityLossless {
		ext = "flac"
	}
	return fmt.Sprintf("%d/%s/%d_%s.%s", userID, deviceID, songID, quality, ext)
}

// DownloadWithProgress streams sourceURL into fileName. The file only appears
// under its final name once it has been fully written.
func (g *LocalGateway) DownloadWithProgress(ctx context.Context, sourceURL, fileName string, onProgress ProgressFunc) (*StoredFile, error) {
	target, err := g.resolve(fileName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, fmt.Errorf("failed to create device directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if g.userAgent != "" {
		req.Header.Set("User-Agent", g.userAgent)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, redact(sourceURL))
	}

	partPath := target + partSuffix
	out, err := os.Create(partPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	hasher, _ := blake2b.New256(nil)
	var body io.Reader = resp.Body
	if g.limiter != nil {
		body = &throttledReader{ctx: ctx, reader: body, limiter: g.limiter}
	}
	reader := &ProgressReader{
		Reader:     body,
		TotalBytes: resp.ContentLength,
		OnProgress: onProgress,
	}

	written, copyErr := io.Copy(io.MultiWriter(out, hasher), reader)
	closeErr := out.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr == nil && resp.ContentLength >= 0 && written != resp.ContentLength {
		copyErr = fmt.Errorf("short transfer: got %d of %d bytes", written, resp.ContentLength)
	}
	if copyErr != nil {
		os.Remove(partPath)
		return nil, fmt.Errorf("download copy failed: %w", copyErr)
	}

	if err := os.Rename(partPath, target); err != nil {
		os.Remove(partPath)
		return nil, fmt.Errorf("failed to finalize file: %w", err)
	}

	g.logger.WithFields(logrus.Fields{
		"file": fileName,
		"size": written,
	}).Debug("Stored offline file")

	return &StoredFile{
		Path:     fileName,
		Size:     written,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Delete removes a stored file. Deleting a missing file is not an error.
func (g *LocalGateway) Delete(filePath string) error {
	target, err := g.resolve(filePath)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", filePath, err)
	}
	return nil
}

// Exists reports whether a stored file is present
func (g *LocalGateway) Exists(filePath string) (bool, error) {
	target, err := g.resolve(filePath)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(target)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

// Size returns the size in bytes of a stored file
func (g *LocalGateway) Size(filePath string) (int64, error) {
	target, err := g.resolve(filePath)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// VerifyIntegrity reports whether the file exists with the expected size
func (g *LocalGateway) VerifyIntegrity(filePath string, expectedSize int64) (bool, error) {
	target, err := g.resolve(filePath)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(target)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir() && info.Size() == expectedSize, nil
}

// Checksum returns the hex BLAKE2b-256 digest of a stored file
func (g *LocalGateway) Checksum(filePath string) (string, error) {
	target, err := g.resolve(filePath)
	if err != nil {
		return "", err
	}
	f, err := os.Open(target)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher, _ := blake2b.New256(nil)
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// PlaybackURL returns the address a player uses to open a stored file
func (g *LocalGateway) PlaybackURL(filePath string) string {
	if g.publicBaseURL != "" {
		return g.publicBaseURL + "/" + strings.TrimLeft(filepath.ToSlash(filePath), "/")
	}
	target, err := g.resolve(filePath)
	if err != nil {
		return ""
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(target)}).String()
}

// Root returns the absolute storage root
func (g *LocalGateway) Root() string {
	return g.root
}

func (g *LocalGateway) resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty file name")
	}
	target := filepath.Join(g.root, filepath.Clean(string(filepath.Separator)+name))
	rel, err := filepath.Rel(g.root, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, name)
	}
	return target, nil
}

// ProgressReader wraps an io.Reader to track download progress
type ProgressReader struct {
	Reader     io.Reader
	TotalBytes int64
	ReadBytes  int64
	OnProgress ProgressFunc
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	pr.ReadBytes += int64(n)

	if pr.OnProgress != nil && n > 0 {
		pr.OnProgress(pr.ReadBytes, pr.TotalBytes)
	}

	return n, err
}

type throttledReader struct {
	ctx     context.Context
	reader  io.Reader
	limiter *rate.Limiter
}

func (tr *throttledReader) Read(p []byte) (int, error) {
	if len(p) > throttleChunk {
		p = p[:throttleChunk]
	}
	n, err := tr.reader.Read(p)
	if n > 0 {
		if werr := tr.limiter.WaitN(tr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// ChecksumBytes returns the hex BLAKE2b-256 digest of in-memory content
func ChecksumBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// redact drops the query string, which carries signed stream tokens
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
