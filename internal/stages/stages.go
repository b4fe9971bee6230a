// Package stages holds the LLM-backed executors that produce each pipeline
// stage's output.
package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"ideafactory/internal/llm"
)

// ErrInvalidOutput wraps model replies that decode but violate the output
// contract.
var ErrInvalidOutput = errors.New("invalid stage output")

// Options carries the collaborators shared by every executor.
type Options struct {
	LLM    llm.Completer
	Logger *zap.Logger
}

func (b Options) logger() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

// completeJSON sends prompt and decodes the reply into out.
func (b Options) completeJSON(ctx context.Context, stage, prompt string, out any) error {
	if b.LLM == nil {
		return fmt.Errorf("%s: no llm configured", stage)
	}
	reply, err := b.LLM.Complete(ctx, prompt)
	if err != nil {
		return fmt.Errorf("%s: %w", stage, err)
	}
	if err := json.Unmarshal([]byte(stripFence(reply)), out); err != nil {
		b.logger().Debug("undecodable model reply", zap.String("stage", stage), zap.Int("chars", len(reply)))
		return fmt.Errorf("%s: decode reply: %w", stage, err)
	}
	return nil
}

// stripFence removes a surrounding markdown code fence, if any.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		return ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func bullet(items []string) string {
	if len(items) == 0 {
		return "- (none)"
	}
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(it)
	}
	return b.String()
}

func mustJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
