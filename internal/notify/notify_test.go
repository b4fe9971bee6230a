package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"ideafactory/internal/domain"
	"ideafactory/internal/notify"
)

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func gate() notify.GateContext {
	return notify.GateContext{IdeaID: "idea-123456789", Title: "Better CLI", Stage: domain.StageEvaluation, Gate: 1, EvaluationSummary: "Score: 80/100"}
}

func TestNATSChannelPublishesGateEvent(t *testing.T) {
	pub := &fakePublisher{}
	ch := notify.NewNATSChannel(pub, "ideafactory.gates")
	require.NoError(t, ch.Send(context.Background(), gate()))
	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "ideafactory.gates.idea-123456789.gate1", pub.subjects[0])

	var got notify.GateContext
	require.NoError(t, json.Unmarshal(pub.payloads[0], &got))
	assert.Equal(t, "Better CLI", got.Title)
	assert.Equal(t, 1, got.Gate)
}

func TestWebhookChannelPostsText(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := notify.NewWebhookChannel(srv.URL, srv.Client())
	require.NoError(t, ch.Send(context.Background(), gate()))
	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &payload))
	assert.Contains(t, payload["text"], "First Review Gate")
	assert.Contains(t, payload["text"], "Score: 80/100")
}

func TestWebhookChannelReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()
	err := notify.NewWebhookChannel(srv.URL, srv.Client()).Send(context.Background(), gate())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "403"))
}

func TestServiceSwallowsChannelFailures(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ok := &fakePublisher{}
	broken := &fakePublisher{err: errors.New("bus down")}
	svc := notify.NewService([]notify.Channel{
		notify.NewNATSChannel(ok, "a"),
		namedChannel{name: "broken", inner: notify.NewNATSChannel(broken, "b")},
	}, notify.WithLogger(zap.New(core)))

	res := svc.NotifyHILGate(context.Background(), gate())
	assert.True(t, res.Any())
	assert.True(t, res.Sent["nats"])
	assert.False(t, res.Sent["broken"])
	assert.Equal(t, "bus down", res.Errors["broken"])
	assert.Equal(t, 1, logs.FilterMessage("gate notification failed").Len())
}

func TestServiceRecoversPanickingChannel(t *testing.T) {
	svc := notify.NewService([]notify.Channel{panicChannel{}})
	res := svc.NotifyHILGate(context.Background(), gate())
	assert.False(t, res.Any())
	assert.Contains(t, res.Errors["panic"], "panicked")
}

func TestSummaries(t *testing.T) {
	hours := 12.0
	s := notify.SummarizeScaffolding(&domain.ScaffoldingResult{Output: domain.ScaffoldingOutput{
		TechStack:        []string{"go", "sqlite", "chi", "huma", "zap", "nats"},
		EstimatedHours:   &hours,
		BlueprintContent: strings.Repeat("x", 300),
	}})
	assert.Contains(t, s, "go, sqlite, chi, huma, zap\n")
	assert.Contains(t, s, "Estimated Hours: 12")
	assert.Empty(t, notify.SummarizeEvaluation(nil))
	e := notify.SummarizeEvaluation(&domain.EvaluationResult{Output: domain.EvaluationOutput{OverallScore: 72, Recommendation: "develop"}})
	assert.Contains(t, e, "Recommendation: DEVELOP")
}

type namedChannel struct {
	name  string
	inner notify.Channel
}

func (c namedChannel) Name() string { return c.name }
func (c namedChannel) Send(ctx context.Context, gc notify.GateContext) error {
	return c.inner.Send(ctx, gc)
}

type panicChannel struct{}

func (panicChannel) Name() string { return "panic" }
func (panicChannel) Send(context.Context, notify.GateContext) error {
	panic("boom")
}
