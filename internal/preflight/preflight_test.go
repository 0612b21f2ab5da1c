package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"coursebuild/internal/config"
	"coursebuild/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if !strings.Contains(result.Detail, "does not exist") {
		t.Fatalf("unexpected detail %q", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckNtfy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"healthy":true}`))
	}))
	defer srv.Close()

	if result := CheckNtfy(context.Background(), srv.URL+"/coursebuild"); !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	if result := CheckNtfy(context.Background(), "not a url"); result.Passed {
		t.Fatal("expected invalid url to fail")
	}
}

func TestCheckLLM(t *testing.T) {
	if result := CheckLLM(context.Background(), "LLM", config.LLMConfig{}); result.Passed || result.Detail != "API key missing" {
		t.Fatalf("missing key result = %+v", result)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	result := CheckLLM(context.Background(), "LLM", config.LLMConfig{APIKey: "bad", BaseURL: srv.URL})
	if result.Passed {
		t.Fatal("expected failure for rejected key")
	}
	if !strings.Contains(result.Detail, "auth failed") {
		t.Fatalf("unexpected detail %q", result.Detail)
	}
}

func TestRunSkipsUnconfiguredRemoteChecks(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	results := Run(context.Background(), cfg)
	if len(results) != 3 {
		t.Fatalf("expected 3 local checks, got %+v", results)
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures %+v", failed)
	}

	cfg.Paths.PipelineFile = filepath.Join(t.TempDir(), "missing.yaml")
	failed := Failed(Run(context.Background(), cfg))
	if len(failed) != 1 || failed[0].Name != "Pipeline file" {
		t.Fatalf("expected pipeline file failure, got %+v", failed)
	}
}
