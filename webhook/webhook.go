// Package webhook forwards course completion events to the
// certificate generation API and, when a broker is configured,
// publishes them to the message queue.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// Doer executes an HTTP request.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Publisher publishes an event payload to the message queue.
type Publisher interface {
	Publish(eventType string, body []byte) error
}

// Forwarder delivers course completion events. The HTTP target is
// required; the queue is optional.
type Forwarder struct {
	url    string
	doer   Doer
	queue  Publisher
	logger log.Logger
	nowFn  func() time.Time
}

type Option func(*Forwarder)

// WithDoer sets the HTTP client seam.
func WithDoer(doer Doer) Option {
	return func(f *Forwarder) { f.doer = doer }
}

// WithPublisher adds queue publishing alongside the HTTP delivery.
func WithPublisher(queue Publisher) Option {
	return func(f *Forwarder) { f.queue = queue }
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(f *Forwarder) { f.logger = logger }
}

// New initializes a new [Forwarder] delivering to url.
func New(url string, opts ...Option) *Forwarder {
	f := &Forwarder{
		url:    url,
		doer:   http.DefaultClient,
		logger: log.NopLogger,
		nowFn:  func() time.Time { return time.Now() },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CourseCompleted forwards a course completion. HTTP delivery failure
// is an error; queue publish failure is logged but does not fail the
// forward.
func (f *Forwarder) CourseCompleted(ctx context.Context, completed *CourseCompleted) error {
	ev := &Event{
		Topic:           EventType,
		CreatedAt:       f.nowFn(),
		CourseCompleted: completed,
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	if f.queue != nil {
		if err := f.queue.Publish(EventType, body); err != nil {
			ctxlog.Logger(ctx, f.logger).Info("msg", "publishing course completion", "err", err)
		}
	}

	return postEvent(ctx, f.doer, f.url, body)
}

// Deliver posts an already-enveloped event body over HTTP only. Used
// for events consumed from the queue, which must not be republished.
func (f *Forwarder) Deliver(ctx context.Context, body []byte) error {
	return postEvent(ctx, f.doer, f.url, body)
}

func postEvent(ctx context.Context, client Doer, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected HTTP status %d %s", resp.StatusCode, resp.Status)
	}
	return nil
}
