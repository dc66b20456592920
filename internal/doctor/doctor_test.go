package doctor

import (
	"context"
	"testing"

	"github.com/basket/quorum/internal/config"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"OPENAI_API_KEY", "ANTHROPIC_API_KEY",
		"GEMINI_API_KEY", "GOOGLE_API_KEY", "DEEPSEEK_API_KEY",
	} {
		t.Setenv(key, "")
	}
}

func TestRun_ReportsAllChecks(t *testing.T) {
	clearProviderEnv(t)
	cfg := &config.Config{
		HomeDir: t.TempDir(),
		Storage: config.StorageConfig{Mode: "memory"},
	}

	diag := Run(context.Background(), cfg, "test")
	if len(diag.Results) != 5 {
		t.Fatalf("expected 5 check results, got %d", len(diag.Results))
	}
	if diag.System.OS == "" || diag.System.Go == "" {
		t.Fatalf("expected system info, got %+v", diag.System)
	}
}

func TestCheckAPIKeys_NoneConfigured(t *testing.T) {
	clearProviderEnv(t)
	cfg := &config.Config{}

	result := checkAPIKeys(context.Background(), cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL with no credentials, got %s (%s)", result.Status, result.Message)
	}
}

func TestCheckAPIKeys_Partial(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg := &config.Config{}

	result := checkAPIKeys(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN with partial credentials, got %s (%s)", result.Status, result.Message)
	}
}

func TestCheckAPIKeys_AllConfigured(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("OPENAI_API_KEY", "a")
	t.Setenv("ANTHROPIC_API_KEY", "b")
	t.Setenv("GEMINI_API_KEY", "c")
	t.Setenv("DEEPSEEK_API_KEY", "d")
	cfg := &config.Config{}

	result := checkAPIKeys(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s (%s)", result.Status, result.Message)
	}
}

func TestCheckDatabase_MemoryModeSkipped(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Mode: "memory"}}
	result := checkDatabase(context.Background(), cfg)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for memory mode, got %s", result.Status)
	}
}

func TestCheckDatabase_OpensSchema(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Storage: config.StorageConfig{Mode: "sqlite", Path: dir + "/quorum.db"},
	}
	result := checkDatabase(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s (%s)", result.Status, result.Message)
	}
}

func TestCheckPermissions(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	result := checkPermissions(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s (%s)", result.Status, result.Message)
	}
}

func TestCheckNetwork_NilConfig(t *testing.T) {
	result := checkNetwork(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckNetwork_NoProviders(t *testing.T) {
	clearProviderEnv(t)
	result := checkNetwork(context.Background(), &config.Config{})
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP with no configured providers, got %s", result.Status)
	}
}
