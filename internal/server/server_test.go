package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/mediaguard/internal/config"
	"github.com/dharsanguruparan/mediaguard/internal/gate"
	"github.com/dharsanguruparan/mediaguard/internal/imaging"
	"github.com/dharsanguruparan/mediaguard/internal/mediaurl"
	"github.com/dharsanguruparan/mediaguard/internal/model"
	"github.com/dharsanguruparan/mediaguard/internal/queue"
	"github.com/dharsanguruparan/mediaguard/internal/session"
	"github.com/dharsanguruparan/mediaguard/internal/signing"
	"github.com/dharsanguruparan/mediaguard/internal/storage"
	"github.com/dharsanguruparan/mediaguard/internal/transform"
)

var (
	quiet         = slog.New(slog.NewTextHandler(io.Discard, nil))
	sessionSecret = []byte("session-secret")
)

type recordingWarmer struct {
	mu   sync.Mutex
	urls []string
	ids  []string
}

func (r *recordingWarmer) EnqueueWarm(ctx context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, url)
	r.ids = append(r.ids, queue.RequestIDFrom(ctx))
	return nil
}

type countingUploader struct {
	next  Uploader
	calls atomic.Int32
}

func (c *countingUploader) UploadOriginal(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	c.calls.Add(1)
	return c.next.UploadOriginal(ctx, key, r, size, contentType)
}

type fixture struct {
	handler http.Handler
	store   *storage.MemoryStore
	uploads *countingUploader
	warmer  *recordingWarmer
	cookie  *http.Cookie
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 120, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 120; x++ {
			img.Set(x, y, color.RGBA{G: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		Address:         ":0",
		ProtectedPrefix: "/media",
		MaxUploadSize:   1 << 20,
	}
	keys := config.Static(config.Protection{Secret: []byte("url-secret"), Algorithm: signing.Hmac256})
	store, err := storage.NewMemoryStore(32, quiet)
	require.NoError(t, err)
	engine, err := transform.NewEngine(cfg.ProtectedPrefix, store, store, 16, quiet)
	require.NoError(t, err)
	sessions := session.NewCookieChecker("mg", sessionSecret, []string{"admin"}, quiet)
	warmer := &recordingWarmer{}
	uploads := &countingUploader{next: store}

	srv := New(cfg, Deps{
		Gate:     gate.New(cfg.ProtectedPrefix, keys, sessions, quiet),
		Engine:   engine,
		Signer:   mediaurl.NewSigner(keys, engine.GenerateURL, quiet),
		Catalog:  store,
		Uploader: uploads,
		Sessions: sessions,
		Warmer:   warmer,
		Logger:   quiet,
	})

	token, err := session.Issue(sessionSecret, "alice", "admin", time.Hour)
	require.NoError(t, err)
	return &fixture{
		handler: srv.Handler(),
		store:   store,
		uploads: uploads,
		warmer:  warmer,
		cookie:  &http.Cookie{Name: "mg", Value: token},
	}
}

func (f *fixture) do(req *http.Request, privileged bool) *httptest.ResponseRecorder {
	if privileged {
		req.AddCookie(f.cookie)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) seed(t *testing.T, id, value string) {
	t.Helper()
	f.store.PutObject(id+"/photo.png", testPNG(t))
	f.store.Save(&model.MediaItem{
		ID:          id,
		Name:        "photo",
		ContentType: "image/png",
		Properties:  map[string]string{mediaurl.DefaultPropertyAlias: value},
	})
}

func (f *fixture) issue(t *testing.T, id, query string) map[string]any {
	t.Helper()
	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/media/"+id+"/url?"+query, nil), true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil), false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rec := f.do(req, false)
	assert.Equal(t, "req-123", rec.Header().Get(requestIDHeader))
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodOptions, "/api/media", nil), false)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAPIRequiresPrivilegedSession(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "1", "/media/1/photo.png")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/media/1/url?width=50", nil), false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	viewer, err := session.Issue(sessionSecret, "bob", "viewer", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/media/1", nil)
	req.AddCookie(&http.Cookie{Name: "mg", Value: viewer})
	rec = f.do(req, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetMedia(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "1", "/media/1/photo.png")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/media/1", nil), true)
	require.Equal(t, http.StatusOK, rec.Code)
	var item model.MediaItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, "photo", item.Name)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/media/missing", nil), true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/media/1/other", nil), true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIssuedURLIsServed(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "1", "/media/1/photo.png")

	body := f.issue(t, "1", "width=60&height=40&mode=max")
	signed, ok := body["url"].(string)
	require.True(t, ok)
	assert.Contains(t, signed, "hmac=")
	assert.Contains(t, signed, "v=")
	_, warmed := body["warmQueued"]
	assert.False(t, warmed)

	rec := f.do(httptest.NewRequest(http.MethodGet, signed, nil), false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Cache-Control"), "public")

	cfg, _, err := image.DecodeConfig(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Width)
	assert.Equal(t, 40, cfg.Height)
}

func TestTamperedURLIsRejected(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "1", "/media/1/photo.png")

	signed := f.issue(t, "1", "width=60")["url"].(string)
	u, err := url.Parse(signed)
	require.NoError(t, err)
	q := u.Query()
	q.Set("width", "600")
	u.RawQuery = q.Encode()

	rec := f.do(httptest.NewRequest(http.MethodGet, u.String(), nil), false)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/media/1/photo.png?width=60", nil), false)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPrivilegedSessionBypassesSignature(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "1", "/media/1/photo.png")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/media/1/photo.png?width=30&height=20", nil), true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "private, no-store", rec.Header().Get("Cache-Control"))
}

func TestIssueWithCrops(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "1", `{"src": "/media/1/photo.png", "crops": [{"alias": "square", "width": 40, "height": 40}]}`)

	signed := f.issue(t, "1", "crop=square&useCropDimensions=true")["url"].(string)
	assert.Contains(t, signed, "rmode=crop")

	rec := f.do(httptest.NewRequest(http.MethodGet, signed, nil), false)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg, _, err := image.DecodeConfig(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.Width)
	assert.Equal(t, 40, cfg.Height)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/media/1/url?crop=banner", nil), true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIssueRejectsBadParameters(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "1", "/media/1/photo.png")

	for _, query := range []string{"width=abc", "mode=zoom", "anchor=middle", "localCrops=%7Bnope"} {
		rec := f.do(httptest.NewRequest(http.MethodGet, "/api/media/1/url?"+query, nil), true)
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestIssueQueuesWarm(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "1", "/media/1/photo.png")

	req := httptest.NewRequest(http.MethodGet, "/api/media/1/url?width=50&warm=true", nil)
	req.Header.Set(requestIDHeader, "warm-req")
	rec := f.do(req, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["warmQueued"])
	require.Len(t, f.warmer.urls, 1)
	assert.Equal(t, body["url"], f.warmer.urls[0])
	assert.Equal(t, "warm-req", f.warmer.ids[0])
}

func uploadRequest(t *testing.T, filename string, data []byte, crops string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if crops != "" {
		require.NoError(t, mw.WriteField("crops", crops))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/media", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadThenServe(t *testing.T) {
	f := newFixture(t)

	rec := f.do(uploadRequest(t, "my photo.png", testPNG(t), `{"crops": [{"alias": "thumb", "width": 20, "height": 20}]}`), true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var item model.MediaItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, "my-photo", item.Name)
	assert.Equal(t, "image/png", item.ContentType)

	src, ds, err := imaging.ParsePropertyValue(item.Properties[mediaurl.DefaultPropertyAlias])
	require.NoError(t, err)
	assert.Equal(t, "/media/"+item.ID+"/my-photo.png", src)
	require.NotNil(t, ds)
	assert.NotNil(t, ds.GetCrop("thumb"))

	signed := f.issue(t, item.ID, "crop=thumb&useCropDimensions=true")["url"].(string)
	rec = f.do(httptest.NewRequest(http.MethodGet, signed, nil), false)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg, _, err := image.DecodeConfig(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Width)
}

func TestUploadRejects(t *testing.T) {
	f := newFixture(t)

	rec := f.do(uploadRequest(t, "notes.txt", []byte("just some text"), ""), true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(uploadRequest(t, "photo.png", testPNG(t), "{broken"), true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, f.uploads.calls.Load(), "nothing is stored when crops are invalid")

	rec = f.do(uploadRequest(t, "photo.png", testPNG(t), ""), false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/media", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec = f.do(req, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPropertyValue(t *testing.T) {
	v, err := propertyValue("/media/a.jpg", "")
	require.NoError(t, err)
	assert.Equal(t, "/media/a.jpg", v)

	v, err = propertyValue("/media/a.jpg", `{"src": "/elsewhere.jpg", "focalPoint": {"left": 0.1, "top": 0.9}}`)
	require.NoError(t, err)
	src, ds, err := imaging.ParsePropertyValue(v)
	require.NoError(t, err)
	assert.Equal(t, "/media/a.jpg", src)
	assert.True(t, ds.HasFocalPoint())
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "my-photo_1.final", sanitizeName("my photo_1.final"))
	assert.Equal(t, "a-b", sanitizeName("a..b"))
	assert.Equal(t, "a-b", sanitizeName("a....b"))
	assert.Equal(t, "a", sanitizeName("a."))
	assert.Equal(t, "upload", sanitizeName(""))
	assert.Equal(t, "upload", sanitizeName("."))
}

func TestUploadWithDottedNameIsServable(t *testing.T) {
	f := newFixture(t)

	rec := f.do(uploadRequest(t, "a..b.png", testPNG(t), ""), true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var item model.MediaItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.NotContains(t, item.Properties[mediaurl.DefaultPropertyAlias], "..")

	signed := f.issue(t, item.ID, "width=30")["url"].(string)
	rec = f.do(httptest.NewRequest(http.MethodGet, signed, nil), false)
	assert.Equal(t, http.StatusOK, rec.Code)
}
