package logging_test

import (
	"testing"

	"ideafactory/internal/logging"
)

func TestNewLevels(t *testing.T) {
	for _, cfg := range []logging.Config{{}, {Level: "debug", Format: "console"}, {Level: "WARN", Format: "json"}} {
		logger, err := logging.New(cfg)
		if err != nil {
			t.Fatalf("New(%+v): %v", cfg, err)
		}
		_ = logger.Sync()
	}
	if _, err := logging.New(logging.Config{Level: "loud"}); err == nil {
		t.Fatalf("expected invalid level error")
	}
}
