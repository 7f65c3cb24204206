package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/poiesic/kbingest/core"
)

// DefaultMaxBytes caps how much of a source is read.
const DefaultMaxBytes = 64 << 20

// Extensions lists the file extensions Local can read.
var Extensions = []string{
	".txt", ".text", ".md", ".markdown", ".rst", ".csv", ".tsv",
	".json", ".jsonl", ".yaml", ".yml", ".xml", ".log", ".html", ".htm",
}

// Local extracts text from plain-text family files and http(s) URLs.
type Local struct {
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// Option configures a Local extractor.
type Option func(*Local)

// WithHTTPClient sets the client used for URL sources.
func WithHTTPClient(client *http.Client) Option {
	return func(l *Local) {
		l.client = client
	}
}

// WithMaxBytes caps the size of a source.
func WithMaxBytes(n int64) Option {
	return func(l *Local) {
		l.maxBytes = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Local) {
		l.logger = logger
	}
}

// NewLocal creates a Local extractor.
func NewLocal(opts ...Option) *Local {
	l := &Local{
		client:   &http.Client{Timeout: 30 * time.Second},
		maxBytes: DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "extract")
	return l
}

// Supported reports whether source has a readable extension or is a URL.
func Supported(source string) bool {
	if isURL(source) {
		return true
	}
	ext := strings.ToLower(filepath.Ext(source))
	for _, e := range Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

func isURL(source string) bool {
	u, err := url.Parse(source)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Extract returns the decoded text of source. Every failure wraps core.ErrExtraction.
func (l *Local) Extract(ctx context.Context, source string) (string, error) {
	if isURL(source) {
		return l.fetch(ctx, source)
	}
	return l.readFile(source)
}

func (l *Local) readFile(path string) (string, error) {
	if !Supported(path) {
		return "", fmt.Errorf("%w: unsupported file type %q", core.ErrExtraction, filepath.Ext(path))
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrExtraction, err)
	}
	defer f.Close()

	data, err := l.readLimited(f)
	if err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".html" || ext == ".htm" {
		return htmlText(data)
	}
	return decode(data)
}

func (l *Local) fetch(ctx context.Context, source string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrExtraction, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrExtraction, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s returned %s", core.ErrExtraction, source, resp.Status)
	}

	data, err := l.readLimited(resp.Body)
	if err != nil {
		return "", err
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	l.logger.Debug("fetched source", "url", source, "content_type", mediaType, "bytes", len(data))
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return htmlText(data)
	case mediaType == "", strings.HasPrefix(mediaType, "text/"), mediaType == "application/json", strings.HasSuffix(mediaType, "+json"), mediaType == "application/xml":
		return decode(data)
	}
	return "", fmt.Errorf("%w: unsupported content type %q", core.ErrExtraction, mediaType)
}

func (l *Local) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, l.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrExtraction, err)
	}
	if int64(len(data)) > l.maxBytes {
		return nil, fmt.Errorf("%w: source exceeds %d bytes", core.ErrExtraction, l.maxBytes)
	}
	return data, nil
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func decode(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: source is not valid UTF-8", core.ErrExtraction)
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: source contains no text", core.ErrExtraction)
	}
	return text, nil
}
