package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap/zaptest"

	"ideafactory/internal/config"
)

type fakeCaller struct {
	calls int
	reply string
	err   error
}

func (f *fakeCaller) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	f.calls++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.reply, f.err
}

func TestCompleteReturnsModelText(t *testing.T) {
	fc := &fakeCaller{reply: `{"ok":true}`}
	c := newClient(config.LLMConfig{Model: "test-model"}, fc, zaptest.NewLogger(t))
	out, err := c.Complete(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Equal(t, "test-model", c.Model())
}

func TestCompleteWrapsErrors(t *testing.T) {
	fc := &fakeCaller{err: errors.New("overloaded")}
	c := newClient(config.LLMConfig{Model: "m"}, fc, zaptest.NewLogger(t))
	_, err := c.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
}

func TestRateLimiterHonoursDeadline(t *testing.T) {
	fc := &fakeCaller{reply: "x"}
	c := newClient(config.LLMConfig{Model: "m", RequestsPerMinute: 1, Burst: 1}, fc, zaptest.NewLogger(t))
	_, err := c.Complete(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Complete(ctx, "second")
	require.Error(t, err)
	assert.Equal(t, 1, fc.calls, "second call must not reach the model")
}

func TestDisabledProvider(t *testing.T) {
	c, err := New(config.LLMConfig{Provider: "none"}, nil)
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), "x")
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = New(config.LLMConfig{Provider: "openai"}, nil)
	assert.Error(t, err)
}

func TestAnthropicRequiresKey(t *testing.T) {
	t.Setenv("IFX_TEST_MISSING_KEY", "")
	_, err := New(config.LLMConfig{Provider: "anthropic", Model: "m", APIKeyEnv: "IFX_TEST_MISSING_KEY"}, nil)
	assert.Error(t, err)
}
