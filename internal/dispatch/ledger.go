package dispatch

import (
	"sort"
	"sync"
	"time"
)

type cooldownEntry struct {
	until   time.Time
	backoff time.Duration
	force   bool
}

type penaltyEntry struct {
	count      int
	lastResync time.Time
}

// Ledger tracks per-(provider, model) cooldowns and the penalty streaks that
// trigger catalog resyncs. Safe for concurrent use.
type Ledger struct {
	mu        sync.Mutex
	cooldowns map[string]*cooldownEntry
	penalties map[string]*penaltyEntry
	now       func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		cooldowns: make(map[string]*cooldownEntry),
		penalties: make(map[string]*penaltyEntry),
		now:       time.Now,
	}
}

func cooldownKey(providerID, model string) string {
	return providerID + ":" + model
}

// setCooldown starts or restarts a cooldown ending backoff from now.
func (l *Ledger) setCooldown(providerID, model string, backoff time.Duration, force bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cooldowns[cooldownKey(providerID, model)] = &cooldownEntry{
		until:   l.now().Add(backoff),
		backoff: backoff,
		force:   force,
	}
}

// Clear removes any cooldown for the pair, returning whether one existed.
// Called when a sync or probe confirms the upstream serves the model again.
func (l *Ledger) Clear(providerID, model string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := cooldownKey(providerID, model)
	if _, ok := l.cooldowns[key]; !ok {
		return false
	}
	delete(l.cooldowns, key)
	return true
}

// ClearProvider removes every cooldown and penalty streak for a provider.
func (l *Ledger) ClearProvider(providerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prefix := providerID + ":"
	for key := range l.cooldowns {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(l.cooldowns, key)
		}
	}
	for key := range l.penalties {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(l.penalties, key)
		}
	}
}

func (l *Ledger) cooldown(providerID, model string) (cooldownEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.cooldowns[cooldownKey(providerID, model)]
	if !ok {
		return cooldownEntry{}, false
	}
	return *e, true
}

// bumpPenalty increments the penalty streak and reports whether a resync
// should fire: the streak reached threshold and the last resync is older
// than the resync cooldown. When it fires the streak resets and the resync
// time stamps.
func (l *Ledger) bumpPenalty(providerID, model string, threshold int, resyncCooldown time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := cooldownKey(providerID, model)
	p, ok := l.penalties[key]
	if !ok {
		p = &penaltyEntry{}
		l.penalties[key] = p
	}
	p.count++

	now := l.now()
	if p.count < threshold {
		return false
	}
	if !p.lastResync.IsZero() && now.Sub(p.lastResync) <= resyncCooldown {
		return false
	}
	p.count = 0
	p.lastResync = now
	return true
}

// CooldownInfo is the admin view of one active cooldown.
type CooldownInfo struct {
	ProviderID   string `json:"provider_id"`
	ProviderName string `json:"provider_name"`
	ModelName    string `json:"model_name"`
	Until        int64  `json:"until"` // unix ms
	BackoffMs    int64  `json:"backoff_ms"`
	RemainingMs  int64  `json:"remaining_ms"`
}

// Snapshot lists every tracked cooldown, most remaining time first.
// providerNames maps provider IDs to display names; unknown IDs fall back
// to the ID itself.
func (l *Ledger) Snapshot(providerNames map[string]string) []CooldownInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	out := make([]CooldownInfo, 0, len(l.cooldowns))
	for key, e := range l.cooldowns {
		providerID, model := splitKey(key)
		name, ok := providerNames[providerID]
		if !ok {
			name = providerID
		}
		remaining := e.until.Sub(now).Milliseconds()
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, CooldownInfo{
			ProviderID:   providerID,
			ProviderName: name,
			ModelName:    model,
			Until:        e.until.UnixMilli(),
			BackoffMs:    e.backoff.Milliseconds(),
			RemainingMs:  remaining,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemainingMs > out[j].RemainingMs })
	return out
}

func splitKey(key string) (providerID, model string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
