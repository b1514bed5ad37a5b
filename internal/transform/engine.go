// Package transform renders protected media. It only serves requests the
// request gate has cleared.
package transform

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/dharsanguruparan/mediaguard/internal/canonical"
	"github.com/dharsanguruparan/mediaguard/internal/gate"
	"github.com/dharsanguruparan/mediaguard/internal/imaging"
	"github.com/dharsanguruparan/mediaguard/internal/metrics"
)

var (
	// ErrSourceNotFound is returned when the origin has no object for a key.
	ErrSourceNotFound = errors.New("source image not found")
	// ErrRenditionNotFound is returned by a RenditionStore cache miss.
	ErrRenditionNotFound = errors.New("rendition not found")
)

// Origin serves original media bytes by key.
type Origin interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// RenditionStore persists rendered output between processes.
type RenditionStore interface {
	GetRendition(ctx context.Context, key string) (*Rendition, error)
	PutRendition(ctx context.Context, key string, r *Rendition) error
}

// Rendition is one rendered image.
type Rendition struct {
	Data        []byte
	ContentType string
	ETag        string
	Width       int
	Height      int
}

func newRendition(data []byte, contentType string, w, h int) *Rendition {
	sum := sha256.Sum256(data)
	return &Rendition{
		Data:        data,
		ContentType: contentType,
		ETag:        hex.EncodeToString(sum[:16]),
		Width:       w,
		Height:      h,
	}
}

// renderTimeout bounds one shared origin read and render.
const renderTimeout = 30 * time.Second

// Engine renders and serves media under a path prefix.
type Engine struct {
	prefix string
	origin Origin
	store  RenditionStore
	cache  *lru.Cache[string, *Rendition]
	group  singleflight.Group
	logger *slog.Logger
}

// NewEngine creates an Engine. store may be nil.
func NewEngine(prefix string, origin Origin, store RenditionStore, cacheSize int, logger *slog.Logger) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New[string, *Rendition](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create render cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		prefix: strings.TrimRight(prefix, "/"),
		origin: origin,
		store:  store,
		cache:  cache,
		logger: logger,
	}, nil
}

// GenerateURL builds the unsigned URL the engine will accept for o.
func (e *Engine) GenerateURL(o imaging.Options) string {
	return imaging.GenerateURL(o)
}

// Key maps a request path to an origin key by stripping the prefix.
func (e *Engine) Key(escapedPath string) (string, bool) {
	p, err := url.PathUnescape(escapedPath)
	if err != nil {
		return "", false
	}
	if !strings.HasPrefix(p, e.prefix+"/") {
		return "", false
	}
	key := strings.TrimPrefix(p, e.prefix+"/")
	if key == "" || strings.Contains(key, "..") {
		return "", false
	}
	return key, true
}

// RenditionKey identifies the output of rendering key with o.
func RenditionKey(key string, o imaging.Options) string {
	sum := sha256.Sum256([]byte(key + "?" + o.Values().Encode()))
	return hex.EncodeToString(sum[:])
}

// Render returns the rendition of key under o, from the in-process cache,
// the rendition store or a fresh render, in that order.
func (e *Engine) Render(ctx context.Context, key string, o imaging.Options) (*Rendition, error) {
	start := time.Now()
	rk := RenditionKey(key, o)
	if r, ok := e.cache.Get(rk); ok {
		metrics.RecordRender("memory", time.Since(start).Seconds())
		return r, nil
	}

	// The shared render outlives any single caller; each caller only stops
	// waiting when its own context ends.
	ch := e.group.DoChan(rk, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), renderTimeout)
		defer cancel()
		if e.store != nil {
			r, err := e.store.GetRendition(ctx, rk)
			switch {
			case err == nil:
				e.cache.Add(rk, r)
				metrics.RecordRender("store", time.Since(start).Seconds())
				return r, nil
			case !errors.Is(err, ErrRenditionNotFound):
				e.logger.Warn("rendition store read failed", "key", key, "error", err)
			}
		}

		src, err := e.readOrigin(ctx, key)
		if err != nil {
			return nil, err
		}
		r, err := render(src, o)
		if err != nil {
			return nil, err
		}
		if e.store != nil {
			if err := e.store.PutRendition(ctx, rk, r); err != nil {
				e.logger.Warn("rendition store write failed", "key", key, "error", err)
			}
		}
		e.cache.Add(rk, r)
		metrics.RecordRender("origin", time.Since(start).Seconds())
		return r, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Rendition), nil
	}
}

// RenderURL renders the media a signed or unsigned URL points at. Callers
// verify the URL first.
func (e *Engine) RenderURL(ctx context.Context, raw string) (*Rendition, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	key, ok := e.Key(u.EscapedPath())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, u.Path)
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	o, err := imaging.ParseOptions(q)
	if err != nil {
		return nil, err
	}
	return e.Render(ctx, key, o)
}

func (e *Engine) readOrigin(ctx context.Context, key string) ([]byte, error) {
	rc, err := e.origin.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", key, err)
	}
	return data, nil
}

// ServeHTTP serves a rendition if the request passes gate verification.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !gate.Verify(r) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	key, ok := e.Key(r.URL.EscapedPath())
	if !ok {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	q.Del(canonical.MACParam)
	opts, err := imaging.ParseOptions(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rend, err := e.Render(r.Context(), key, opts)
	switch {
	case err == nil:
	case errors.Is(err, ErrSourceNotFound):
		http.NotFound(w, r)
		return
	case errors.Is(err, ErrUnsupportedFormat), errors.Is(err, ErrTooLarge), errors.Is(err, ErrDecode):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	default:
		e.logger.Error("render failed", "key", key, "error", err)
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}

	etag := `"` + rend.ETag + `"`
	h := w.Header()
	h.Set("ETag", etag)
	h.Set("Content-Type", rend.ContentType)
	if v, _ := gate.VerificationFrom(r.Context()); v.Bypassed() {
		h.Set("Cache-Control", "private, no-store")
	} else {
		h.Set("Cache-Control", "public, max-age=31536000, immutable")
	}
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h.Set("Content-Length", strconv.Itoa(len(rend.Data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(rend.Data); err != nil {
		e.logger.Debug("write rendition", "key", key, "error", err)
	}
}
