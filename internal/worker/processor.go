package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/mediaguard/internal/config"
	"github.com/dharsanguruparan/mediaguard/internal/gate"
	"github.com/dharsanguruparan/mediaguard/internal/metrics"
	"github.com/dharsanguruparan/mediaguard/internal/queue"
	"github.com/dharsanguruparan/mediaguard/internal/transform"
)

// ErrInvalidSignature is returned for warm requests whose MAC does not
// verify against the current settings.
var ErrInvalidSignature = errors.New("invalid signature")

// Renderer renders a media URL.
type Renderer interface {
	RenderURL(ctx context.Context, raw string) (*transform.Rendition, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	keys     config.Source
	renderer Renderer
	logger   *slog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(keys config.Source, renderer Renderer, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{keys: keys, renderer: renderer, logger: logger}
}

// Handler registers the warm job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.WarmRenditionTask, p.handleWarm)
	return mux
}

// Warm verifies url against the current settings and renders it. Warming
// never bypasses verification.
func (p *Processor) Warm(ctx context.Context, url string) error {
	if !gate.Enforce(p.keys.Current(), p.logger).VerifyURL(url) {
		metrics.RecordWarm(false)
		return fmt.Errorf("%w: %s", ErrInvalidSignature, url)
	}
	r, err := p.renderer.RenderURL(ctx, url)
	if err != nil {
		metrics.RecordWarm(false)
		return fmt.Errorf("render %s: %w", url, err)
	}
	metrics.RecordWarm(true)
	p.logger.Info("rendition warmed", "url", url, "bytes", len(r.Data), "width", r.Width, "height", r.Height)
	return nil
}

func (p *Processor) handleWarm(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.DecodeWarmPayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	err = p.Warm(ctx, payload.URL)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, transform.ErrSourceNotFound):
		p.logger.Warn("warm job dropped", "url", payload.URL, "request_id", payload.RequestID, "error", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		p.logger.Error("warm job failed", "url", payload.URL, "request_id", payload.RequestID, "error", err)
		return err
	}
}
