package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Pipeline.StageTimeout != 5*time.Minute || cfg.Pipeline.RecoverAfter != 30*time.Minute {
		t.Fatalf("unexpected pipeline defaults %+v", cfg.Pipeline)
	}
	if cfg.Terms.Version != "1.0" || cfg.LLM.ChatModel == "" {
		t.Fatalf("unexpected terms or chat defaults %+v %q", cfg.Terms, cfg.LLM.ChatModel)
	}
	if cfg.Server.BasePath != "/v0" || cfg.Limits.IdeasPerDay != 10 {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Server, cfg.Limits)
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("llm:\n  provider: none\nlimits:\n  ideas_per_day: 3\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.LLM.Provider != "none" || cfg.Limits.IdeasPerDay != 3 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Pipeline.StageTimeout != 5*time.Minute {
		t.Fatalf("default stage timeout lost: %v", cfg.Pipeline.StageTimeout)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"provider":      "llm:\n  provider: openai\n",
		"stage_timeout": "pipeline:\n  stage_timeout: 0s\n",
		"nats_subject":  "notifications:\n  nats_url: nats://127.0.0.1:4222\n  nats_subject: \"\"\n",
		"webhooks[0]":   "webhooks:\n  - events: [human_review]\n",
		"format":        "logging:\n  format: xml\n",
		"ttl":           "locks:\n  redis_addr: 127.0.0.1:6379\n  ttl: 0s\n",
		"terms.version": "terms:\n  version: \"\"\n",
	}
	for want, doc := range cases {
		t.Run(want, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			if err == nil || !strings.Contains(err.Error(), want) {
				t.Fatalf("expected error mentioning %q, got %v", want, err)
			}
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config for empty workspace, got %+v %v", cfg, err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "ifx config init") {
		t.Fatalf("expected init hint, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "factory.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load: %+v %v", cfg, err)
	}
}
