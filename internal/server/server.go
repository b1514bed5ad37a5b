// Package server wires the protected media route, the URL issuance API and
// the operational endpoints onto one net/http server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dharsanguruparan/mediaguard/internal/config"
	"github.com/dharsanguruparan/mediaguard/internal/gate"
	"github.com/dharsanguruparan/mediaguard/internal/mediaurl"
	"github.com/dharsanguruparan/mediaguard/internal/model"
	"github.com/dharsanguruparan/mediaguard/internal/session"
)

// Catalog stores media items and resolves their URLs and crops.
type Catalog interface {
	mediaurl.ContentProvider
	GetItem(ctx context.Context, id string) (*model.MediaItem, error)
	Upsert(ctx context.Context, item *model.MediaItem) error
}

// Uploader stores original media files.
type Uploader interface {
	UploadOriginal(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

// Enqueuer schedules rendition warm-ups.
type Enqueuer interface {
	EnqueueWarm(ctx context.Context, url string) error
}

// Deps are the collaborators a Server needs. Warmer may be nil.
type Deps struct {
	Gate     *gate.Gate
	Engine   http.Handler
	Signer   *mediaurl.Signer
	Catalog  Catalog
	Uploader Uploader
	Sessions session.Checker
	Warmer   Enqueuer
	Logger   *slog.Logger
}

var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
}

// Server exposes the media routes.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sessions == nil {
		deps.Sessions = session.Never
	}
	return &Server{cfg: cfg, deps: deps, logger: deps.Logger}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.cfg.Address,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("media server listening", "address", s.cfg.Address, "prefix", s.cfg.ProtectedPrefix)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the fully wrapped route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle(s.cfg.ProtectedPrefix+"/", s.deps.Gate.Handler(s.deps.Engine))
	mux.Handle("/api/media", s.requireSession(http.HandlerFunc(s.handleMediaCollection)))
	mux.Handle("/api/media/", s.requireSession(http.HandlerFunc(s.handleMediaRoute)))
	return corsMiddleware(loggingMiddleware(s.logger, mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMediaCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUpload(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMediaRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/media/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleMedia(w, r, id)
		return
	}
	switch parts[1] {
	case "url":
		s.handleMediaURL(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	item, ok := s.lookup(w, r, id)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, item)
}

func (s *Server) handleMediaURL(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	req, err := parseMediaRequest(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	item, ok := s.lookup(w, r, id)
	if !ok {
		return
	}
	signed, ok, err := s.deps.Signer.SignMedia(r.Context(), s.deps.Catalog, mediaurl.Item{ID: item.ID, UpdatedAt: item.UpdatedAt}, req)
	if err != nil {
		s.logger.Error("sign media url failed", "id", id, "error", err)
		http.Error(w, "failed to generate url", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "no url for this media and crop", http.StatusNotFound)
		return
	}
	resp := map[string]any{"url": signed}
	if q.Get("warm") == "true" {
		resp["warmQueued"] = s.enqueueWarm(r.Context(), signed)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) enqueueWarm(ctx context.Context, signed string) bool {
	if s.deps.Warmer == nil {
		return false
	}
	if err := s.deps.Warmer.EnqueueWarm(ctx, signed); err != nil {
		s.logger.Warn("enqueue warm failed", "url", signed, "error", err)
		return false
	}
	return true
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request, id string) (*model.MediaItem, bool) {
	item, err := s.deps.Catalog.GetItem(r.Context(), id)
	switch {
	case err == nil:
		return item, true
	case errors.Is(err, model.ErrNotFound):
		http.Error(w, "media not found", http.StatusNotFound)
	default:
		s.logger.Error("load media item failed", "id", id, "error", err)
		http.Error(w, "failed to load media", http.StatusInternalServerError)
	}
	return nil, false
}

// handleUpload stores an original image and creates its media item.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Uploader == nil {
		http.Error(w, "uploads are not configured", http.StatusNotImplemented)
		return
	}
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	tmp, crops, err := s.readUpload(mr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer os.Remove(tmp.path)
	defer tmp.f.Close()
	ext, ok := allowedTypes[tmp.contentType]
	if !ok {
		http.Error(w, "only JPEG, PNG and GIF images are supported", http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	name := sanitizeName(strings.TrimSuffix(filepath.Base(tmp.filename), filepath.Ext(tmp.filename)))
	key := fmt.Sprintf("%s/%s%s", id, name, ext)
	value, err := propertyValue(s.cfg.ProtectedPrefix+"/"+key, crops)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := tmp.f.Seek(0, io.SeekStart); err != nil {
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	if err := s.deps.Uploader.UploadOriginal(ctx, key, tmp.f, tmp.size, tmp.contentType); err != nil {
		s.logger.Error("upload original failed", "key", key, "error", err)
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}

	item := &model.MediaItem{
		ID:          id,
		Name:        name,
		ContentType: tmp.contentType,
		Properties:  map[string]string{mediaurl.DefaultPropertyAlias: value},
	}
	if err := s.deps.Catalog.Upsert(ctx, item); err != nil {
		s.logger.Error("store media item failed", "id", id, "error", err)
		http.Error(w, "failed to store metadata", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusCreated, item)
}

type tempUpload struct {
	f           *os.File
	path        string
	size        int64
	contentType string
	filename    string
}

func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "mediaguard-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	fail := func(err error) (*tempUpload, error) {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, err
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxUploadSize {
				return fail(fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxUploadSize))
			}
			if len(sniff) < 512 {
				chunk := min(n, 512-len(sniff))
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				return fail(fmt.Errorf("write temp file: %w", err))
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fail(fmt.Errorf("read file: %w", readErr))
		}
	}
	if written == 0 {
		return fail(errors.New("empty file"))
	}
	filename := part.FileName()
	if filename == "" {
		filename = "upload"
	}
	return &tempUpload{
		f:           tmpFile,
		path:        tmpFile.Name(),
		size:        written,
		contentType: http.DetectContentType(sniff),
		filename:    filename,
	}, nil
}

const maxCropsSize = 64 << 10

// readUpload walks the multipart body, keeping the "file" part on disk and the
// optional "crops" field in memory.
func (s *Server) readUpload(mr *multipart.Reader) (*tempUpload, string, error) {
	var (
		tmp   *tempUpload
		crops string
	)
	cleanup := func() {
		if tmp != nil {
			tmp.f.Close()
			os.Remove(tmp.path)
		}
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			cleanup()
			return nil, "", errors.New("failed to read upload")
		}
		switch {
		case part.FormName() == "file" && tmp == nil:
			tmp, err = s.persistTemp(part)
			part.Close()
			if err != nil {
				return nil, "", err
			}
		case part.FormName() == "crops":
			data, err := io.ReadAll(io.LimitReader(part, maxCropsSize+1))
			part.Close()
			if err != nil || len(data) > maxCropsSize {
				cleanup()
				return nil, "", errors.New("invalid crops field")
			}
			crops = string(data)
		default:
			part.Close()
		}
	}
	if tmp == nil {
		return nil, "", errors.New("missing file part")
	}
	return tmp, crops, nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("encode response", "error", err)
	}
}
