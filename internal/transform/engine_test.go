package transform

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/mediaguard/internal/canonical"
	"github.com/dharsanguruparan/mediaguard/internal/config"
	"github.com/dharsanguruparan/mediaguard/internal/gate"
	"github.com/dharsanguruparan/mediaguard/internal/imaging"
	"github.com/dharsanguruparan/mediaguard/internal/session"
	"github.com/dharsanguruparan/mediaguard/internal/signing"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeOrigin struct {
	objects map[string][]byte
	opens   atomic.Int32
}

func (f *fakeOrigin) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.opens.Add(1)
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakeStore struct {
	mu   sync.Mutex
	data map[string]*Rendition
}

func (s *fakeStore) GetRendition(_ context.Context, key string) (*Rendition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[key]
	if !ok {
		return nil, ErrRenditionNotFound
	}
	return r, nil
}

func (s *fakeStore) PutRendition(_ context.Context, key string, r *Rendition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = r
	return nil
}

// sourcePNG is 200x100: red left half, blue right half.
func sourcePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 200, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 200; x++ {
			c := color.RGBA{R: 255, A: 255}
			if x >= 100 {
				c = color.RGBA{B: 255, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodeSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

func newEngine(t *testing.T, store RenditionStore) (*Engine, *fakeOrigin) {
	t.Helper()
	origin := &fakeOrigin{objects: map[string][]byte{"abc/photo.png": sourcePNG(t)}}
	e, err := NewEngine("/media", origin, store, 16, quiet)
	require.NoError(t, err)
	return e, origin
}

var protection = config.Protection{Secret: []byte("secret"), Algorithm: signing.Hmac256}

func signURL(t *testing.T, raw string) string {
	t.Helper()
	msg, err := canonical.FromURL(raw)
	require.NoError(t, err)
	return canonical.Append(raw, protection.Signer().Sign(msg))
}

func serveThroughGate(e *Engine, target string, admin bool, header http.Header) *httptest.ResponseRecorder {
	checker := session.CheckerFunc(func(*http.Request) bool { return admin })
	h := gate.New("/media", config.Static(protection), checker, quiet).Handler(e)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServeRejectsUnsigned(t *testing.T) {
	e, origin := newEngine(t, nil)
	rec := serveThroughGate(e, "/media/abc/photo.png?width=50", false, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid signature")
	assert.Zero(t, origin.opens.Load())
}

func TestServeRejectsWithoutGate(t *testing.T) {
	e, _ := newEngine(t, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, signURL(t, "/media/abc/photo.png?width=50"), nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServeSigned(t *testing.T) {
	e, _ := newEngine(t, nil)
	target := signURL(t, e.GenerateURL(imaging.Options{
		Source: "/media/abc/photo.png",
		Width:  50,
		Height: 50,
		Mode:   imaging.ModeCrop,
		Format: "jpg",
	}))
	rec := serveThroughGate(e, target, false, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "public")
	w, h := decodeSize(t, rec.Body.Bytes())
	assert.Equal(t, 50, w)
	assert.Equal(t, 50, h)

	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	rec = serveThroughGate(e, target, false, http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, rec.Code)
}

func TestServeBypassIsPrivate(t *testing.T) {
	e, _ := newEngine(t, nil)
	rec := serveThroughGate(e, "/media/abc/photo.png?width=20", true, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "private, no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
}

func TestServeErrors(t *testing.T) {
	e, _ := newEngine(t, nil)
	assert.Equal(t, http.StatusNotFound, serveThroughGate(e, signURL(t, "/media/missing.png?width=10"), false, nil).Code)
	assert.Equal(t, http.StatusBadRequest, serveThroughGate(e, signURL(t, "/media/abc/photo.png?format=tiff"), false, nil).Code)
	assert.Equal(t, http.StatusBadRequest, serveThroughGate(e, signURL(t, "/media/abc/photo.png?width=99999"), false, nil).Code)
	assert.Equal(t, http.StatusBadRequest, serveThroughGate(e, signURL(t, "/media/abc/photo.png?rmode=zoom"), false, nil).Code)
}

func TestRenderCachesInMemoryAndStore(t *testing.T) {
	store := &fakeStore{data: map[string]*Rendition{}}
	e, origin := newEngine(t, store)
	ctx := context.Background()
	opts := imaging.Options{Width: 40}

	first, err := e.Render(ctx, "abc/photo.png", opts)
	require.NoError(t, err)
	second, err := e.Render(ctx, "abc/photo.png", opts)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.EqualValues(t, 1, origin.opens.Load())
	assert.Len(t, store.data, 1)

	// A fresh engine sharing the store never touches the origin.
	e2, origin2 := newEngine(t, store)
	third, err := e2.Render(ctx, "abc/photo.png", opts)
	require.NoError(t, err)
	assert.Equal(t, first.ETag, third.ETag)
	assert.Zero(t, origin2.opens.Load())
}

func TestRenderURL(t *testing.T) {
	e, _ := newEngine(t, nil)
	r, err := e.RenderURL(context.Background(), signURL(t, "https://cdn.example.com/media/abc/photo.png?width=100&height=100&rmode=max"))
	require.NoError(t, err)
	assert.Equal(t, 100, r.Width)
	assert.Equal(t, 50, r.Height)

	_, err = e.RenderURL(context.Background(), "/elsewhere/x.png")
	assert.ErrorIs(t, err, ErrSourceNotFound)
}

func TestKey(t *testing.T) {
	e, _ := newEngine(t, nil)
	key, ok := e.Key("/media/a%20b/c.png")
	assert.True(t, ok)
	assert.Equal(t, "a b/c.png", key)

	for _, p := range []string{"/media", "/media/", "/other/a.png", "/media/../etc/passwd"} {
		_, ok := e.Key(p)
		assert.False(t, ok, p)
	}
}

func mustTransform(t *testing.T, img image.Image, o imaging.Options) image.Image {
	t.Helper()
	out, err := transformImage(img, o)
	require.NoError(t, err)
	return out
}

func TestTransformModes(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 200, 100))
	tests := []struct {
		name string
		opts imaging.Options
		w, h int
	}{
		{"no resize", imaging.Options{}, 200, 100},
		{"width only keeps aspect", imaging.Options{Width: 100}, 100, 50},
		{"height only keeps aspect", imaging.Options{Height: 50}, 100, 50},
		{"crop fills box", imaging.Options{Width: 50, Height: 50, Mode: imaging.ModeCrop}, 50, 50},
		{"pad fills box", imaging.Options{Width: 50, Height: 50, Mode: imaging.ModePad}, 50, 50},
		{"max fits inside", imaging.Options{Width: 50, Height: 50, Mode: imaging.ModeMax}, 50, 25},
		{"min never upscales", imaging.Options{Width: 400, Height: 400, Mode: imaging.ModeMin}, 200, 100},
		{"min covers box", imaging.Options{Width: 50, Height: 50, Mode: imaging.ModeMin}, 100, 50},
		{"stretch ignores aspect", imaging.Options{Width: 30, Height: 90, Mode: imaging.ModeStretch}, 30, 90},
		{"crop box trims edges", imaging.Options{Crop: &imaging.Coordinates{X1: 0.5}}, 100, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := mustTransform(t, src, tt.opts).Bounds()
			assert.Equal(t, tt.w, b.Dx())
			assert.Equal(t, tt.h, b.Dy())
		})
	}
}

func TestCropFollowsFocalPointAndAnchor(t *testing.T) {
	data := sourcePNG(t)
	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	isBlue := func(out image.Image) bool {
		r, _, b, _ := out.At(5, 5).RGBA()
		return b > r
	}

	right := mustTransform(t, img, imaging.Options{Width: 10, Height: 10, Mode: imaging.ModeCrop, FocalPoint: &imaging.FocalPoint{Left: 0.9, Top: 0.5}})
	assert.True(t, isBlue(right))

	left := mustTransform(t, img, imaging.Options{Width: 10, Height: 10, Mode: imaging.ModeCrop, Anchor: imaging.AnchorLeft})
	assert.False(t, isBlue(left))

	anchoredRight := mustTransform(t, img, imaging.Options{Width: 10, Height: 10, Mode: imaging.ModeCrop, Anchor: imaging.AnchorBottomRight})
	assert.True(t, isBlue(anchoredRight))
}

func TestPadLetterboxesWhite(t *testing.T) {
	data := sourcePNG(t)
	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	out := mustTransform(t, img, imaging.Options{Width: 100, Height: 100, Mode: imaging.ModePad})
	r, g, b, _ := out.At(50, 2).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0xffff), g)
	assert.Equal(t, uint32(0xffff), b)
}

func TestDerivedDimensionIsBounded(t *testing.T) {
	narrow := image.NewRGBA(image.Rect(0, 0, 2, 200))
	for _, mode := range []imaging.CropMode{imaging.ModeCrop, imaging.ModeStretch, imaging.ModeMax, imaging.ModePad} {
		_, err := transformImage(narrow, imaging.Options{Width: 100, Mode: mode})
		assert.ErrorIs(t, err, ErrTooLarge, mode)
	}
	_, err := transformImage(narrow, imaging.Options{Height: 5000, Mode: imaging.ModeMax})
	assert.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, narrow))
	origin := &fakeOrigin{objects: map[string][]byte{"tall.png": buf.Bytes()}}
	e, err := NewEngine("/media", origin, nil, 4, quiet)
	require.NoError(t, err)
	_, err = e.Render(context.Background(), "tall.png", imaging.Options{Width: 100})
	assert.ErrorIs(t, err, ErrTooLarge)
}

type blockingOrigin struct {
	data      []byte
	started   chan struct{}
	release   chan struct{}
	once      sync.Once
	cancelled atomic.Bool
}

func (b *blockingOrigin) Open(ctx context.Context, _ string) (io.ReadCloser, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return io.NopCloser(bytes.NewReader(b.data)), nil
	case <-ctx.Done():
		b.cancelled.Store(true)
		return nil, ctx.Err()
	}
}

func TestRenderOutlivesCancelledCaller(t *testing.T) {
	origin := &blockingOrigin{data: sourcePNG(t), started: make(chan struct{}), release: make(chan struct{})}
	e, err := NewEngine("/media", origin, nil, 4, quiet)
	require.NoError(t, err)
	opts := imaging.Options{Width: 20, Height: 20}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := e.Render(ctx, "abc/photo.png", opts)
		firstErr <- err
	}()
	<-origin.started
	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	type result struct {
		r   *Rendition
		err error
	}
	second := make(chan result, 1)
	go func() {
		r, err := e.Render(context.Background(), "abc/photo.png", opts)
		second <- result{r, err}
	}()
	close(origin.release)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, 20, res.r.Width)
	assert.False(t, origin.cancelled.Load())
}
