// Package router holds the pure routing decision — which provider should
// be tried first for a classified request — plus the small piece of
// process-wide state (automatic vs. manual routing mode) that can override
// it. The decision function itself takes no KVS or network dependency: it
// is a deterministic fold over its inputs, grounded on the teacher's
// routing_test.go style of table-driven determinism tests.
package router

import (
	"sync"

	"github.com/neural-home/router/internal/judge"
)

// Mode selects how Decide's output is produced.
type Mode int

const (
	ModeAuto Mode = iota
	ModeManual
)

// Config names the fixed provider ids this deployment treats specially.
// Every deployment has exactly one local-GPU provider, one cloud coding
// provider, one low-latency SIMPLE provider, and one flash-tier SIMPLE
// provider; Decide only needs their ids, not their full descriptors.
type Config struct {
	LocalGPUProviderID   string
	CloudCodingProviderID string // e.g. Qwen
	FastSimpleProviderID  string // e.g. Groq
	FlashSimpleProviderID string // e.g. Gemini flash
}

// contains reports whether id is present in ids.
func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// Decide picks the preferred provider id for a classified request. sane
// must be non-empty — callers are responsible for the 503 path when no
// provider is sane.
func Decide(cfg Config, category judge.Category, gpuReady bool, sane []string) string {
	if len(sane) == 0 {
		panic("router: Decide called with empty sane list")
	}

	if category == judge.CategoryCoding {
		if gpuReady && contains(sane, cfg.LocalGPUProviderID) {
			return cfg.LocalGPUProviderID
		}
		if contains(sane, cfg.CloudCodingProviderID) {
			return cfg.CloudCodingProviderID
		}
		return sane[0]
	}

	if contains(sane, cfg.FastSimpleProviderID) {
		return cfg.FastSimpleProviderID
	}
	if contains(sane, cfg.FlashSimpleProviderID) {
		return cfg.FlashSimpleProviderID
	}
	return sane[0]
}

// State holds the process-wide mode/manual-target override, guarded by a
// mutex since it's read on every request and written only from the
// (unspecified, out-of-scope) admin surface.
type State struct {
	mu           sync.RWMutex
	mode         Mode
	manualTarget string
}

// NewState creates a State starting in automatic mode.
func NewState() *State {
	return &State{mode: ModeAuto}
}

// SetAuto switches to automatic routing.
func (s *State) SetAuto() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = ModeAuto
	s.manualTarget = ""
}

// SetManual switches to manual routing, pinning every request to target
// regardless of sanity checking.
func (s *State) SetManual(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = ModeManual
	s.manualTarget = target
}

// CurrentTarget returns the provider id to use: Decide's output in
// automatic mode, or the pinned manual target in manual mode (unchecked
// against sane — manual mode is an explicit operator override).
func (s *State) CurrentTarget(cfg Config, category judge.Category, gpuReady bool, sane []string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.mode == ModeManual {
		return s.manualTarget
	}
	return Decide(cfg, category, gpuReady, sane)
}
