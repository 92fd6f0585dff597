// Package dispatch selects the upstream provider and concrete model variant
// for each chat request.
//
// A dispatch decision layers four signals: the alias maps from modelnorm
// (which providers serve the requested family at all), the circuit breaker
// (is the provider hard-down), the cooldown ledger (is this exact
// provider/model pair in a penalty window), and the Thompson sampling scorer
// (which healthy candidate to prefer). Cooldowns self-heal: once a window
// expires the dispatcher sends a one-token probe before readmitting the
// pair, doubling the backoff if the probe fails.
package dispatch

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	gateway "github.com/hermesgw/hermes/internal"
	"github.com/hermesgw/hermes/internal/circuitbreaker"
	"github.com/hermesgw/hermes/internal/modelnorm"
)

// recentSyncWindow is how fresh a provider's catalog sync must be for the
// dispatcher to trust it over an existing non-forced cooldown.
const recentSyncWindow = 5 * time.Minute

// Settings keys consumed by the dispatcher, with their defaults.
const (
	SettingInitialPenaltyMs = "dispatcher_initial_penalty_ms"
	SettingMaxPenaltyMs     = "dispatcher_max_penalty_ms"
	SettingResyncThreshold  = "dispatcher_resync_threshold"
	SettingResyncCooldownMs = "dispatcher_resync_cooldown_ms"

	DefaultInitialPenaltyMs = 30 * 60 * 1000
	DefaultMaxPenaltyMs     = 4 * 60 * 60 * 1000
	DefaultResyncThreshold  = 3
	DefaultResyncCooldownMs = 10 * 60 * 1000
)

// ProviderView is the dispatcher's read-side contract with the catalog.
type ProviderView interface {
	// GetAll returns the current provider snapshot (served from cache).
	GetAll(ctx context.Context) ([]*gateway.Provider, error)
	// TriggerResync schedules a background catalog sync for the provider.
	TriggerResync(ctx context.Context, providerID string) error
}

// Prober issues the one-token self-healing probe against an upstream.
type Prober interface {
	Probe(ctx context.Context, p *gateway.Provider, model string) bool
}

// Scorer ranks candidate (provider, model) pairs.
type Scorer interface {
	Score(providerID, model string) float64
}

// Settings resolves numeric runtime settings with a default.
type Settings interface {
	Number(ctx context.Context, key string, def float64) float64
}

// Dispatcher owns the cooldown ledger and picks one provider per request.
type Dispatcher struct {
	view     ProviderView
	breaker  *circuitbreaker.Breaker
	scorer   Scorer
	prober   Prober
	settings Settings
	ledger   *Ledger

	// onCooldown, when set, is notified every time a cooldown starts.
	onCooldown func(providerID, providerName, model string)

	now func() time.Time
}

// New creates a Dispatcher. onCooldown may be nil.
func New(view ProviderView, breaker *circuitbreaker.Breaker, scorer Scorer, prober Prober,
	settings Settings, onCooldown func(providerID, providerName, model string)) *Dispatcher {
	return &Dispatcher{
		view:       view,
		breaker:    breaker,
		scorer:     scorer,
		prober:     prober,
		settings:   settings,
		ledger:     NewLedger(),
		onCooldown: onCooldown,
		now:        time.Now,
	}
}

// SetView installs the provider view. The dispatcher and the catalog
// reference each other (the catalog clears this dispatcher's cooldowns after
// a sync), so one side is wired after construction.
func (d *Dispatcher) SetView(view ProviderView) { d.view = view }

// Ledger exposes the cooldown ledger for admin surfaces and the catalog's
// clear-on-sync hook.
func (d *Dispatcher) Ledger() *Ledger { return d.ledger }

// Cooldowns returns the admin snapshot of active cooldowns with provider
// display names resolved.
func (d *Dispatcher) Cooldowns(ctx context.Context) []CooldownInfo {
	names := make(map[string]string)
	if providers, err := d.view.GetAll(ctx); err == nil {
		for _, p := range providers {
			names[p.ID] = p.Name
		}
	}
	return d.ledger.Snapshot(names)
}

// Penalize puts the (provider, model) pair on cooldown. An existing cooldown
// doubles (capped at the max penalty); otherwise the window is the larger of
// duration and the initial penalty. duration <= 0 means "use the initial
// penalty". Repeated penalties past the resync threshold trigger a catalog
// resync for the provider, rate limited by the resync cooldown.
func (d *Dispatcher) Penalize(ctx context.Context, providerID, model string, duration time.Duration, force bool) {
	initial := d.settingDuration(ctx, SettingInitialPenaltyMs, DefaultInitialPenaltyMs)
	maxPenalty := d.settingDuration(ctx, SettingMaxPenaltyMs, DefaultMaxPenaltyMs)
	threshold := int(d.settings.Number(ctx, SettingResyncThreshold, DefaultResyncThreshold))
	resyncCooldown := d.settingDuration(ctx, SettingResyncCooldownMs, DefaultResyncCooldownMs)

	if duration <= 0 {
		duration = initial
	}

	backoff := max(duration, initial)
	if existing, ok := d.ledger.cooldown(providerID, model); ok {
		backoff = min(existing.backoff*2, maxPenalty)
	}
	d.startCooldown(ctx, providerID, model, backoff, force)

	if d.ledger.bumpPenalty(providerID, model, threshold, resyncCooldown) {
		slog.LogAttrs(ctx, slog.LevelWarn, "penalty streak reached, resyncing provider catalog",
			slog.String("provider_id", providerID),
			slog.String("model", model),
		)
		if err := d.view.TriggerResync(ctx, providerID); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "resync trigger failed",
				slog.String("provider_id", providerID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (d *Dispatcher) startCooldown(ctx context.Context, providerID, model string, backoff time.Duration, force bool) {
	d.ledger.setCooldown(providerID, model, backoff, force)

	name := providerID
	if providers, err := d.view.GetAll(ctx); err == nil {
		for _, p := range providers {
			if p.ID == providerID {
				name = p.Name
				break
			}
		}
	}
	if d.onCooldown != nil {
		d.onCooldown(providerID, name, model)
	}
	slog.LogAttrs(ctx, slog.LevelWarn, "upstream cooled down",
		slog.String("provider_id", providerID),
		slog.String("model", model),
		slog.Duration("backoff", backoff),
	)
}

func (d *Dispatcher) settingDuration(ctx context.Context, key string, defMs float64) time.Duration {
	return time.Duration(d.settings.Number(ctx, key, defMs)) * time.Millisecond
}

// available decides whether the (provider, model) pair may serve traffic
// right now. Failures of any sub-check translate to "skip candidate".
func (d *Dispatcher) available(ctx context.Context, p *gateway.Provider, model string) bool {
	if !d.breaker.Allow(circuitbreaker.ProviderKey(p.ID)) {
		return false
	}

	entry, onCooldown := d.ledger.cooldown(p.ID, model)

	recentSync := p.LastSyncedAt != nil && d.now().Sub(*p.LastSyncedAt) < recentSyncWindow
	if !onCooldown && recentSync {
		return true
	}
	if onCooldown && !entry.force && recentSync {
		// A fresh background sync says the model is served; trust it over
		// the stale cooldown.
		d.ledger.Clear(p.ID, model)
		slog.LogAttrs(ctx, slog.LevelInfo, "cooldown lifted by recent sync",
			slog.String("provider_id", p.ID),
			slog.String("model", model),
		)
		return true
	}
	if !onCooldown {
		return true
	}
	if entry.until.After(d.now()) {
		return false
	}

	// Window expired: probe before readmitting.
	if d.prober.Probe(ctx, p, model) {
		d.ledger.Clear(p.ID, model)
		slog.LogAttrs(ctx, slog.LevelInfo, "upstream recovered",
			slog.String("provider_id", p.ID),
			slog.String("model", model),
		)
		return true
	}
	maxPenalty := d.settingDuration(ctx, SettingMaxPenaltyMs, DefaultMaxPenaltyMs)
	d.startCooldown(ctx, p.ID, model, min(entry.backoff*2, maxPenalty), false)
	return false
}

// Selection is the outcome of a dispatch decision.
type Selection struct {
	Provider *gateway.Provider
	Model    string // provider-native model ID
	Score    float64
}

// Select resolves the requested model through the alias maps and picks the
// best available provider, excluding the given provider IDs (already tried
// in this request). Returns gateway.ErrNoProvider when no active provider
// serves the family or all serving pairs are cooling down.
func (d *Dispatcher) Select(ctx context.Context, requestedModel string, excluded map[string]bool) (Selection, error) {
	providers, err := d.view.GetAll(ctx)
	if err != nil {
		return Selection{}, err
	}

	modelLists := make([][]string, len(providers))
	for i, p := range providers {
		modelLists[i] = p.Models
	}
	_, variants := modelnorm.BuildAliasMaps(modelLists).Resolve(requestedModel)

	type scored struct {
		sel Selection
	}
	var best *scored
	candidates := 0

	for _, p := range providers {
		if p.Status != gateway.ProviderActive && p.Status != gateway.ProviderSyncing {
			continue
		}
		if excluded[p.ID] {
			continue
		}
		var served []string
		for _, v := range variants {
			if p.Serves(v) {
				served = append(served, v)
			}
		}
		if len(served) == 0 {
			continue
		}
		candidates++

		resolved := served[rand.IntN(len(served))]
		if !d.available(ctx, p, resolved) {
			continue
		}

		score := d.scorer.Score(p.ID, resolved)
		if best == nil || score > best.sel.Score {
			best = &scored{sel: Selection{Provider: p, Model: resolved, Score: score}}
		}
	}

	if best == nil {
		if candidates == 0 {
			slog.LogAttrs(ctx, slog.LevelWarn, "no active provider serves model",
				slog.String("model", requestedModel),
			)
		} else {
			slog.LogAttrs(ctx, slog.LevelWarn, "all providers for model are cooling down",
				slog.String("model", requestedModel),
			)
		}
		return Selection{}, gateway.ErrNoProvider
	}

	slog.LogAttrs(ctx, slog.LevelInfo, "upstream selected",
		slog.String("provider_id", best.sel.Provider.ID),
		slog.String("provider_name", best.sel.Provider.Name),
		slog.String("model", best.sel.Model),
		slog.String("requested", requestedModel),
		slog.Float64("score", best.sel.Score),
	)
	return best.sel, nil
}
