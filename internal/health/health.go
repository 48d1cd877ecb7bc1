// Package health tracks which providers are currently eligible to serve
// traffic. Unlike the teacher's in-process circuit breaker, eligibility
// lives in the shared KVS so every process instance agrees on which
// providers are cooling down — a provider tripped by one process instance
// stays tripped for all of them.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/neural-home/router/internal/kvs"
)

const (
	cooldownTTL = 60 * time.Second
	cooldownKey = "cooldown:%s"
	successKey  = "stats:%s:requests"
)

// Tracker reports and records provider health via the cooldown key space.
type Tracker struct {
	kv *kvs.Client
}

// New creates a Tracker backed by kv.
func New(kv *kvs.Client) *Tracker {
	return &Tracker{kv: kv}
}

// MarkFailure puts id into cooldown for 60 seconds. Callers invoke this
// only after a quota/rate-limit-shaped failure — a generic upstream error
// (timeout, connection reset) does not mean the provider is unhealthy, so
// it does not trip cooldown; see internal/waterfall's quota classification.
func (t *Tracker) MarkFailure(ctx context.Context, id string) {
	key := fmt.Sprintf(cooldownKey, id)
	if err := t.kv.SetEx(ctx, key, "1", cooldownTTL); err != nil {
		// KVS is unavailable; nothing to do but let the next SaneIDs call
		// fail open for this provider too.
		return
	}
}

// MarkSuccess increments id's success counter (stats:<id>:requests). It
// does not touch cooldown keys — those expire on their own TTL. A KVS error
// leaves the counter unchanged.
func (t *Tracker) MarkSuccess(ctx context.Context, id string) {
	_, _ = t.kv.Incr(ctx, fmt.Sprintf(successKey, id))
}

// InCooldown reports whether id is currently cooling down. On a KVS error
// it fails open (reports false) — an unreachable KVS must never be allowed
// to make every provider look unhealthy.
func (t *Tracker) InCooldown(ctx context.Context, id string) bool {
	key := fmt.Sprintf(cooldownKey, id)
	down, err := t.kv.Exists(ctx, key)
	if err != nil {
		return false
	}
	return down
}

// SaneIDs filters ids down to those not currently in cooldown, preserving
// input order.
func (t *Tracker) SaneIDs(ctx context.Context, ids []string) []string {
	sane := make([]string, 0, len(ids))
	for _, id := range ids {
		if !t.InCooldown(ctx, id) {
			sane = append(sane, id)
		}
	}
	return sane
}
