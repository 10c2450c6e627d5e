// Package ratelimit implements a simple per-actor fixed-window counter, in
// the shape HouzuoGuo-laitos uses to cap per-IP connection and command rates.
package ratelimit

import (
	"sync"
	"time"

	"github.com/cyclops-mail/lmtpd/lalog"
)

// RateLimit counts how many times each actor (usually a remote IP) has
// called Add within the current window, and rejects once MaxCount is
// exceeded. The counters reset every UnitSecs.
type RateLimit struct {
	// MaxCount is the maximum number of Add calls allowed per actor per window.
	MaxCount int
	// UnitSecs is the window length in seconds.
	UnitSecs int64
	Logger   *lalog.Logger

	mutex         sync.Mutex
	lastTimestamp int64
	counter       map[string]int
	logged        map[string]bool
}

// Initialise prepares internal state. Call once before use.
func (limit *RateLimit) Initialise() {
	limit.mutex.Lock()
	defer limit.mutex.Unlock()
	limit.counter = make(map[string]int)
	limit.logged = make(map[string]bool)
	limit.lastTimestamp = time.Now().Unix()
}

// Add records one occurrence attributed to actor, and returns true if the
// actor is still within its quota for the current window.
func (limit *RateLimit) Add(actor string, logIfLimitHit bool) bool {
	limit.mutex.Lock()
	defer limit.mutex.Unlock()

	now := time.Now().Unix()
	if now-limit.lastTimestamp >= limit.UnitSecs {
		limit.lastTimestamp = now
		limit.counter = make(map[string]int)
		limit.logged = make(map[string]bool)
	}

	limit.counter[actor]++
	within := limit.counter[actor] <= limit.MaxCount
	if !within && logIfLimitHit && !limit.logged[actor] {
		limit.logged[actor] = true
		if limit.Logger != nil {
			limit.Logger.Warning(actor, nil, "exceeded limit of %d per %d seconds", limit.MaxCount, limit.UnitSecs)
		}
	}
	return within
}
