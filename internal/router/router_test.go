package router

import (
	"testing"

	"github.com/neural-home/router/internal/judge"
)

func testConfig() Config {
	return Config{
		LocalGPUProviderID:    "gpu_local",
		CloudCodingProviderID: "qwen_cloud",
		FastSimpleProviderID:  "groq",
		FlashSimpleProviderID: "gemini_flash",
	}
}

func TestDecideCodingPrefersLocalGPUWhenReady(t *testing.T) {
	got := Decide(testConfig(), judge.CategoryCoding, true, []string{"gpu_local", "qwen_cloud"})
	if got != "gpu_local" {
		t.Errorf("Decide() = %q, want gpu_local", got)
	}
}

func TestDecideCodingFallsBackToQwenWhenGPUNotReady(t *testing.T) {
	got := Decide(testConfig(), judge.CategoryCoding, false, []string{"gpu_local", "qwen_cloud"})
	if got != "qwen_cloud" {
		t.Errorf("Decide() = %q, want qwen_cloud", got)
	}
}

func TestDecideCodingFallsBackToQwenWhenGPUNotSane(t *testing.T) {
	got := Decide(testConfig(), judge.CategoryCoding, true, []string{"qwen_cloud", "groq"})
	if got != "qwen_cloud" {
		t.Errorf("Decide() = %q, want qwen_cloud", got)
	}
}

func TestDecideCodingFallsBackToFirstSaneWhenNeitherAvailable(t *testing.T) {
	got := Decide(testConfig(), judge.CategoryCoding, true, []string{"groq", "gemini_flash"})
	if got != "groq" {
		t.Errorf("Decide() = %q, want groq", got)
	}
}

func TestDecideSimplePrefersGroq(t *testing.T) {
	got := Decide(testConfig(), judge.CategorySimple, true, []string{"gemini_flash", "groq"})
	if got != "groq" {
		t.Errorf("Decide() = %q, want groq", got)
	}
}

func TestDecideSimpleFallsBackToGeminiFlash(t *testing.T) {
	got := Decide(testConfig(), judge.CategorySimple, true, []string{"gpu_local", "gemini_flash"})
	if got != "gemini_flash" {
		t.Errorf("Decide() = %q, want gemini_flash", got)
	}
}

func TestDecideSimpleFallsBackToFirstSane(t *testing.T) {
	got := Decide(testConfig(), judge.CategorySimple, true, []string{"gpu_local"})
	if got != "gpu_local" {
		t.Errorf("Decide() = %q, want gpu_local", got)
	}
}

func TestDecidePanicsOnEmptySane(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected Decide to panic on empty sane list")
		}
	}()
	Decide(testConfig(), judge.CategorySimple, true, nil)
}

func TestStateDefaultsToAutoMode(t *testing.T) {
	s := NewState()
	got := s.CurrentTarget(testConfig(), judge.CategoryCoding, true, []string{"gpu_local"})
	if got != "gpu_local" {
		t.Errorf("CurrentTarget() = %q, want gpu_local", got)
	}
}

func TestStateManualModeIgnoresSanityChecking(t *testing.T) {
	s := NewState()
	s.SetManual("qwen_cloud")

	got := s.CurrentTarget(testConfig(), judge.CategoryCoding, true, []string{"gpu_local"})
	if got != "qwen_cloud" {
		t.Errorf("CurrentTarget() = %q, want qwen_cloud (manual override)", got)
	}
}

func TestStateSetAutoRevertsManualOverride(t *testing.T) {
	s := NewState()
	s.SetManual("qwen_cloud")
	s.SetAuto()

	got := s.CurrentTarget(testConfig(), judge.CategorySimple, true, []string{"groq"})
	if got != "groq" {
		t.Errorf("CurrentTarget() = %q, want groq after reverting to auto", got)
	}
}
