package state

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeState(t *testing.T, dir, body string) (stateFile, checksumFile string) {
	t.Helper()
	stateFile = filepath.Join(dir, "state.json")
	checksumFile = filepath.Join(dir, "state.sha256")

	if err := os.WriteFile(stateFile, []byte(body), 0o600); err != nil {
		t.Fatalf("write state file: %v", err)
	}
	sum := sha256.Sum256([]byte(body))
	if err := os.WriteFile(checksumFile, []byte(hex.EncodeToString(sum[:])), 0o600); err != nil {
		t.Fatalf("write checksum file: %v", err)
	}
	return stateFile, checksumFile
}

func TestRefreshLoadsValidDocument(t *testing.T) {
	dir := t.TempDir()
	body := `{"api_providers":{"gpu_local":{"id":"gpu_local","name":"GPU","type":"openai_compat","url":"http://gpu.local:8000/v1","model":"qwen2.5"}}}`
	stateFile, checksumFile := writeState(t, dir, body)

	l := New(stateFile, checksumFile, EnvKeys{})
	l.Refresh(true)

	reg := l.Snapshot()
	if reg.Len() != 1 {
		t.Fatalf("expected 1 provider, got %d", reg.Len())
	}
	d, ok := reg.Get("gpu_local")
	if !ok {
		t.Fatalf("expected gpu_local present")
	}
	if d.Kind != KindOpenAICompat || d.Model != "qwen2.5" {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
}

func TestRefreshEnrichesFromEnv(t *testing.T) {
	dir := t.TempDir()
	body := `{"api_providers":{"qwen_cloud":{"id":"qwen_cloud","name":"Qwen","type":"openai_compat","url":"https://dashscope","model":"qwen-max"}}}`
	stateFile, checksumFile := writeState(t, dir, body)

	t.Setenv("DASHSCOPE_API_KEY", "secret-key")

	l := New(stateFile, checksumFile, EnvKeys{QwenProviderID: "qwen_cloud"})
	l.Refresh(true)

	d, ok := l.Snapshot().Get("qwen_cloud")
	if !ok {
		t.Fatalf("expected qwen_cloud present")
	}
	if d.APIKey != "secret-key" {
		t.Fatalf("expected enriched api key, got %q", d.APIKey)
	}
}

func TestRefreshRetriesOnceAfterChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	body := `{"api_providers":{"gpu_local":{"id":"gpu_local","name":"GPU","type":"openai_compat","url":"http://gpu.local","model":"m"}}}`
	stateFile, checksumFile := writeState(t, dir, body)

	if err := os.WriteFile(checksumFile, []byte("0000deadbeef"), 0o600); err != nil {
		t.Fatalf("corrupt checksum: %v", err)
	}

	var slept time.Duration
	rewritten := false
	l := New(stateFile, checksumFile, EnvKeys{}, WithSleep(func(d time.Duration) {
		slept = d
		sum := sha256.Sum256([]byte(body))
		_ = os.WriteFile(checksumFile, []byte(hex.EncodeToString(sum[:])), 0o600)
		rewritten = true
	}))
	l.Refresh(true)

	if slept != time.Second {
		t.Fatalf("expected retry sleep of 1s, got %v", slept)
	}
	if !rewritten {
		t.Fatalf("expected sleep hook to run")
	}
	if l.Snapshot().Len() != 1 {
		t.Fatalf("expected registry populated after retry, got %d", l.Snapshot().Len())
	}
}

func TestRefreshGivesUpAfterSecondMismatch(t *testing.T) {
	dir := t.TempDir()
	body := `{"api_providers":{"gpu_local":{"id":"gpu_local","name":"GPU","type":"openai_compat","url":"http://gpu.local","model":"m"}}}`
	stateFile, checksumFile := writeState(t, dir, body)
	if err := os.WriteFile(checksumFile, []byte("still-wrong"), 0o600); err != nil {
		t.Fatalf("corrupt checksum: %v", err)
	}

	l := New(stateFile, checksumFile, EnvKeys{}, WithSleep(func(time.Duration) {}))
	l.Refresh(true)

	if l.Snapshot().Len() != 0 {
		t.Fatalf("expected registry to remain empty, got %d", l.Snapshot().Len())
	}
}

func TestRefreshDebouncesWithinMinInterval(t *testing.T) {
	dir := t.TempDir()
	body := `{"api_providers":{"gpu_local":{"id":"gpu_local","name":"GPU","type":"openai_compat","url":"http://gpu.local","model":"m"}}}`
	stateFile, checksumFile := writeState(t, dir, body)

	l := New(stateFile, checksumFile, EnvKeys{}, WithMinInterval(time.Hour))
	l.Refresh(true)

	body2 := `{"api_providers":{"gpu_local":{"id":"gpu_local","name":"GPU","type":"openai_compat","url":"http://gpu.local","model":"m2"}}}`
	writeState(t, dir, body2)

	l.Refresh(false)

	d, _ := l.Snapshot().Get("gpu_local")
	if d.Model != "m" {
		t.Fatalf("expected debounced refresh to keep old model, got %q", d.Model)
	}

	l.Refresh(true)
	d, _ = l.Snapshot().Get("gpu_local")
	if d.Model != "m2" {
		t.Fatalf("expected forced refresh to pick up new model, got %q", d.Model)
	}
}

func TestSnapshotNeverNilBeforeFirstLoad(t *testing.T) {
	l := New("/nonexistent/state.json", "/nonexistent/state.sha256", EnvKeys{})
	reg := l.Snapshot()
	if reg == nil {
		t.Fatalf("expected non-nil empty registry before first load")
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}
}
