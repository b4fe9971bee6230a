package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ideafactory/internal/config"
	"ideafactory/internal/domain"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// TransitionSource is the slice of the repository the dispatcher reads.
type TransitionSource interface {
	TransitionsAfter(ctx context.Context, cursor int64, limit int) ([]domain.StateTransition, error)
	LatestTransitionSeq(ctx context.Context) (int64, error)
}

// WebhookDispatcher posts every new state transition to the configured
// webhooks. Each webhook keeps its own cursor into the transition log and
// starts at the log's tail.
type WebhookDispatcher struct {
	source   TransitionSource
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *zap.Logger
	interval time.Duration
	mu       sync.Mutex
	cursors  map[int]int64
}

func NewWebhookDispatcher(source TransitionSource, hooks []config.WebhookConfig, logger *zap.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookDispatcher{
		source:   source,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger,
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

// Run polls until ctx is done.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.webhooks) == 0 {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll delivers pending transitions to every enabled webhook once.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	transitions, err := d.source.TransitionsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.logger.Warn("webhook: fetch transitions failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, tr := range transitions {
		if !filter.match(tr) {
			d.setCursor(idx, tr.Seq)
			continue
		}
		if err := d.postTransition(ctx, hook, tr); err != nil {
			d.logger.Warn("webhook: delivery failed", zap.String("url", hook.URL), zap.Int64("seq", tr.Seq), zap.Error(err))
			return
		}
		d.setCursor(idx, tr.Seq)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.source.LatestTransitionSeq(ctx)
	if err != nil {
		d.logger.Warn("webhook: init cursor failed", zap.Error(err))
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

func eventName(tr domain.StateTransition) string {
	return string(tr.ToStage) + "." + string(tr.ToStatus)
}

type webhookEvent struct {
	Event      string                 `json:"event"`
	Transition domain.StateTransition `json:"transition"`
}

func (d *WebhookDispatcher) postTransition(ctx context.Context, hook config.WebhookConfig, tr domain.StateTransition) error {
	data, err := json.Marshal(webhookEvent{Event: eventName(tr), Transition: tr})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Factory-Event", eventName(tr))
	req.Header.Set("X-Factory-Delivery", fmt.Sprintf("%d", tr.Seq))
	req.Header.Set("X-Factory-Idea", tr.IdeaID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Factory-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// eventFilter matches transitions by target stage ("human_review") or by
// target stage and status ("human_review.awaiting_review").
type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(tr domain.StateTransition) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[eventName(tr)]; ok {
		return true
	}
	_, ok := f.set[string(tr.ToStage)]
	return ok
}
