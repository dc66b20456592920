// Package doctor runs local diagnostic checks: configuration, provider
// credentials, the session database, and network reachability.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/quorum/internal/agent"
	"github.com/basket/quorum/internal/config"
	"github.com/basket/quorum/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKeys,
		checkDatabase,
		checkPermissions,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

// checkAPIKeys reports which of the panel's providers have credentials.
func checkAPIKeys(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Keys", Status: "SKIP", Message: "Config missing"}
	}

	providers := make(map[string]bool)
	for _, def := range agent.Defaults() {
		providers[def.Provider] = true
	}

	var missing, present []string
	for p := range providers {
		if cfg.ProviderAPIKey(p) == "" {
			missing = append(missing, p)
		} else {
			present = append(present, p)
		}
	}
	sort.Strings(missing)
	sort.Strings(present)

	if len(missing) == len(providers) {
		return CheckResult{
			Name:    "API Keys",
			Status:  "FAIL",
			Message: "No provider credentials configured",
			Detail:  fmt.Sprintf("missing: %s", strings.Join(missing, ", ")),
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "API Keys",
			Status:  "WARN",
			Message: fmt.Sprintf("%d of %d providers configured", len(present), len(providers)),
			Detail:  fmt.Sprintf("missing: %s (agents on these providers will fail)", strings.Join(missing, ", ")),
		}
	}
	return CheckResult{Name: "API Keys", Status: "PASS", Message: "All panel providers configured"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Storage.Mode == "memory" {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Storage mode is memory"}
	}

	st, err := store.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer st.Close()

	if _, err := st.AggregateMetrics(ctx, time.Now().Add(-time.Hour)); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// providerHosts are the API endpoints the panel's adapters talk to.
var providerHosts = map[string]string{
	"openai":    "api.openai.com",
	"anthropic": "api.anthropic.com",
	"gemini":    "generativelanguage.googleapis.com",
	"deepseek":  "api.deepseek.com",
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var failed []string
	var resolved int
	for provider, host := range providerHosts {
		if cfg.ProviderAPIKey(provider) == "" {
			continue
		}
		if _, err := net.DefaultResolver.LookupHost(lookupCtx, host); err != nil {
			failed = append(failed, fmt.Sprintf("%s (%v)", host, err))
		} else {
			resolved++
		}
	}
	sort.Strings(failed)

	if len(failed) > 0 {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %d endpoint(s)", len(failed)),
			Detail:  strings.Join(failed, "; "),
		}
	}
	if resolved == 0 {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "No configured providers to check"}
	}
	return CheckResult{Name: "Network", Status: "PASS", Message: fmt.Sprintf("Resolved %d provider endpoint(s)", resolved)}
}
