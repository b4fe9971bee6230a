package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher is the subset of *nats.Conn used for gate events.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSChannel publishes gate events to <subject>.<idea_id>.gate<n>.
type NATSChannel struct {
	pub     Publisher
	subject string
}

func NewNATSChannel(pub Publisher, subject string) *NATSChannel {
	return &NATSChannel{pub: pub, subject: strings.TrimSuffix(subject, ".")}
}

func (c *NATSChannel) Name() string { return "nats" }

func (c *NATSChannel) Subject(gc GateContext) string {
	return fmt.Sprintf("%s.%s.gate%d", c.subject, gc.IdeaID, gc.Gate)
}

func (c *NATSChannel) Send(ctx context.Context, gc GateContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(gc)
	if err != nil {
		return fmt.Errorf("marshal gate event: %w", err)
	}
	return c.pub.Publish(c.Subject(gc), data)
}

// ConnectNATS dials the bus with bounded reconnects.
func ConnectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("ideafactory"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
}

// WebhookChannel posts a Slack-compatible {"text": ...} body.
type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(url string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookChannel{url: url, client: client}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, gc GateContext) error {
	data, err := json.Marshal(map[string]string{"text": Text(gc)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.client.Do(req)
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

// LogChannel writes the gate message to the process log. It always
// succeeds.
type LogChannel struct {
	logger *zap.Logger
}

func NewLogChannel(logger *zap.Logger) *LogChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, gc GateContext) error {
	c.logger.Info("idea awaiting review",
		zap.String("idea_id", gc.IdeaID), zap.Int("gate", gc.Gate), zap.String("title", gc.Title), zap.String("review_url", gc.ReviewURL))
	return nil
}
