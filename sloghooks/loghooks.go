// Package sloghooks reports statekv hook events through log/slog.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/statekv"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	EvictedEvery      uint64
	IncompatibleEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	evictedCtr      atomic.Uint64
	incompatibleCtr atomic.Uint64
}

var _ statekv.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) IncompatibleUpdate(key, method, existingKind, newKind string) {
	if h.l == nil || !sample(h.opts.IncompatibleEvery, &h.incompatibleCtr) {
		return
	}
	h.l.Warn("statekv.incompatible_update",
		"key", h.redact(key),
		"method", method,
		"existing", existingKind,
		"new", newKind)
}

func (h *Hooks) KeyEvicted(key, reason string) {
	if h.l == nil || !sample(h.opts.EvictedEvery, &h.evictedCtr) {
		return
	}
	h.l.Debug("statekv.key_evicted",
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) WriteDropped(op, reason string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("statekv.write_dropped",
		"op", op,
		"reason", reason,
		"err", err)
}

func (h *Hooks) StorageDegraded(provider string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("statekv.storage_degraded",
		"provider", provider,
		"err", err)
}

func (h *Hooks) QuotaReported(used, remaining int64) {
	if h.l == nil {
		return
	}
	h.l.Info("statekv.quota",
		"used", used,
		"remaining", remaining)
}
