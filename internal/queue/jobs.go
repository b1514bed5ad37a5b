package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// WarmRenditionTask renders a signed media URL ahead of the first request.
	WarmRenditionTask = "rendition:warm"
)

// WarmPayload is serialized into the task payload. URL is the full signed
// URL; the worker verifies it before rendering.
type WarmPayload struct {
	URL       string `json:"url"`
	RequestID string `json:"request_id,omitempty"`
}

// NewWarmTask builds the task for payload. The task ID is derived from the
// URL, so a URL already waiting in the queue is not queued twice.
func NewWarmTask(payload WarmPayload) (*asynq.Task, error) {
	if payload.URL == "" {
		return nil, errors.New("warm payload has no url")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(payload.URL)).String()
	return asynq.NewTask(WarmRenditionTask, data, asynq.TaskID(id), asynq.MaxRetry(5)), nil
}

// DecodeWarmPayload reads the payload of a warm task.
func DecodeWarmPayload(task *asynq.Task) (WarmPayload, error) {
	var payload WarmPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return WarmPayload{}, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

// EnqueueWarm enqueues a rendition warm-up job.
func EnqueueWarm(ctx context.Context, client *asynq.Client, payload WarmPayload) error {
	task, err := NewWarmTask(payload)
	if err != nil {
		return err
	}
	if _, err := client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue warm task: %w", err)
	}
	return nil
}

// Client enqueues warm-up jobs through Redis.
type Client struct {
	client *asynq.Client
}

// NewClient wraps an asynq client.
func NewClient(client *asynq.Client) *Client {
	return &Client{client: client}
}

// EnqueueWarm queues url for warming.
func (c *Client) EnqueueWarm(ctx context.Context, url string) error {
	return EnqueueWarm(ctx, c.client, WarmPayload{URL: url, RequestID: RequestIDFrom(ctx)})
}

type requestIDKey struct{}

// WithRequestID attaches a request ID that enqueued jobs carry along.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request ID attached to ctx, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
