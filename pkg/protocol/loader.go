package protocol

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// WellKnownPath is the endpoint an application serves its protocol from.
const WellKnownPath = "/api/ai/protocol.json"

const maxDocumentSize = 1 << 20

// LoadState tracks the loader's lifecycle for one base URL.
type LoadState int32

const (
	StateNotLoaded LoadState = iota
	StateLoading
	StateLoaded
	StateLoadFailed
)

func (s LoadState) String() string {
	switch s {
	case StateNotLoaded:
		return "not_loaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateLoadFailed:
		return "load_failed"
	default:
		return "unknown"
	}
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithHTTPClient replaces the HTTP client used for fetches.
func WithHTTPClient(c *http.Client) LoaderOption {
	return func(l *Loader) { l.client = c }
}

// WithLoaderLogger sets the loader's logger.
func WithLoaderLogger(log logrus.FieldLogger) LoaderOption {
	return func(l *Loader) { l.log = log }
}

// WithTrustedHosts extends the set of hosts allowed to serve protocol
// content beyond the local-development defaults.
func WithTrustedHosts(hosts ...string) LoaderOption {
	return func(l *Loader) {
		for _, h := range hosts {
			h = strings.ToLower(strings.TrimSpace(h))
			if h != "" {
				l.trusted[h] = struct{}{}
			}
		}
	}
}

// Loader fetches and parses a remote application's protocol document. Load
// never propagates failures to its caller: application loading must always
// succeed even with zero commands.
type Loader struct {
	client  *http.Client
	log     logrus.FieldLogger
	trusted map[string]struct{}

	mu    sync.Mutex
	state LoadState
}

// NewLoader builds a protocol loader trusting localhost and file URLs only.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logrus.StandardLogger(),
		trusted: map[string]struct{}{
			"localhost": {},
			"127.0.0.1": {},
			"::1":       {},
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the loader's current lifecycle state.
func (l *Loader) State() LoadState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Load fetches {baseURL}/api/ai/protocol.json. On any failure it logs,
// records StateLoadFailed, and returns an empty document; it never errors.
// StateLoadFailed is not terminal: the next call retries from scratch.
func (l *Loader) Load(ctx context.Context, baseURL string) *Document {
	l.setState(StateLoading)

	doc, ok := l.load(ctx, baseURL)
	if !ok {
		l.setState(StateLoadFailed)
		return &Document{}
	}
	l.setState(StateLoaded)
	return doc
}

func (l *Loader) load(ctx context.Context, baseURL string) (*Document, bool) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" {
		l.log.WithField("base_url", baseURL).Warn("protocol: unparseable base url")
		return nil, false
	}
	if u.Scheme == "file" {
		return l.loadFile(u)
	}
	if !l.hostTrusted(u) {
		l.log.WithFields(logrus.Fields{"base_url": baseURL, "host": u.Hostname()}).
			Warn("protocol: host outside trusted origins, refusing to load")
		return nil, false
	}
	return l.loadHTTP(ctx, u)
}

func (l *Loader) loadHTTP(ctx context.Context, base *url.URL) (*Document, bool) {
	target := strings.TrimRight(base.String(), "/") + WellKnownPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		l.log.WithError(err).Warn("protocol: build request")
		return nil, false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		l.log.WithError(err).WithField("url", target).Warn("protocol: fetch failed")
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		l.log.WithFields(logrus.Fields{"url": target, "status": resp.StatusCode}).
			Warn("protocol: non-2xx response")
		return nil, false
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		l.log.WithError(err).Warn("protocol: read body")
		return nil, false
	}
	return l.parse(data, target)
}

func (l *Loader) loadFile(u *url.URL) (*Document, bool) {
	path := filepath.Join(u.Path, filepath.FromSlash(strings.TrimPrefix(WellKnownPath, "/")))
	data, err := os.ReadFile(path)
	if err != nil {
		l.log.WithError(err).WithField("path", path).Warn("protocol: read local document")
		return nil, false
	}
	return l.parse(data, path)
}

func (l *Loader) parse(data []byte, source string) (*Document, bool) {
	doc, err := ParseDocument(data)
	if err != nil {
		l.log.WithError(err).WithField("source", source).Warn("protocol: malformed document")
		return nil, false
	}
	l.log.WithFields(logrus.Fields{
		"source":   source,
		"commands": len(doc.Commands),
		"auth":     doc.Authentication != nil,
	}).Info("protocol: document loaded")
	return doc, true
}

func (l *Loader) hostTrusted(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	if _, ok := l.trusted[host]; ok {
		return true
	}
	// 127.0.0.0/8 counts as localhost.
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	return false
}

func (l *Loader) setState(s LoadState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}
