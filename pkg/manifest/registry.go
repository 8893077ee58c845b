package manifest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/praetor-ai/praetor/pkg/fault"
)

// Clock supplies authority time; injectable for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// GateConfig parameterizes the activation gate.
type GateConfig struct {
	// MinShadowDuration is how long the target must have been in shadow.
	MinShadowDuration time.Duration
	// MaxDivergence is the tolerated shadow/active decision divergence
	// ratio over observed jobs (0..1).
	MaxDivergence float64
}

// ShadowReport summarizes shadow/active decision agreement for the gate.
// Produced by the governor's shadow recorder.
type ShadowReport struct {
	ShadowVersion       string    `json:"shadow_version"`
	ActiveVersion       string    `json:"active_version"`
	ObservedJobs        int       `json:"observed_jobs"`
	DivergentJobs       int       `json:"divergent_jobs"`
	CriticalDivergences []string  `json:"critical_divergences,omitempty"`
	SafeToActivate      bool      `json:"safe_to_activate"`
	WindowStart         time.Time `json:"window_start"`
	WindowEnd           time.Time `json:"window_end"`
}

// Divergence returns the divergent fraction of observed jobs, 0 when nothing
// was observed.
func (r *ShadowReport) Divergence() float64 {
	if r.ObservedJobs == 0 {
		return 0
	}
	return float64(r.DivergentJobs) / float64(r.ObservedJobs)
}

// ActivationRecord describes a completed activation for auditing.
type ActivationRecord struct {
	Activated   string        `json:"activated"`
	Demoted     string        `json:"demoted,omitempty"`
	Forced      bool          `json:"forced"`
	ActivatedAt time.Time     `json:"activated_at"`
	Report      *ShadowReport `json:"shadow_report,omitempty"`
}

// Registry manages the manifest store, the hash chain, and the shadow /
// active lifecycle. Activation is serialized; creation relies on the chain
// check only.
type Registry struct {
	store  Store
	clock  Clock
	logger *slog.Logger

	// activateMu serializes Activate so the single-active invariant holds
	// even against concurrent activations.
	activateMu sync.Mutex
}

// NewRegistry creates a registry over the given store. A nil clock defaults
// to UTC wall time; a nil logger defaults to slog.Default.
func NewRegistry(store Store, clock Clock, logger *slog.Logger) *Registry {
	if clock == nil {
		clock = wallClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		clock:  clock,
		logger: logger.With("component", "manifest_registry"),
	}
}

// Create validates and stores a manifest. hash_self is computed when missing
// and verified when present. With validateChain, a non-empty hash_prev must
// reference an existing manifest's hash_self or creation fails
// MANIFEST_HASH_MISMATCH. Manifests are immutable after create.
func (r *Registry) Create(ctx context.Context, m *Manifest, validateChain bool) (*Manifest, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	clone := m.Clone()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = r.clock.Now()
	}
	clone.SortRules()

	computed, err := clone.ComputeHashSelf()
	if err != nil {
		return nil, fault.Wrap(fault.CodeManifestInvalidSchema, err, "manifest %q hash computation failed", clone.ManifestID)
	}
	if clone.HashSelf == "" {
		clone.HashSelf = computed
	} else if clone.HashSelf != computed {
		return nil, fault.New(fault.CodeManifestHashMismatch,
			"manifest %q declares hash_self %s but canonical bytes hash to %s", clone.ManifestID, clone.HashSelf, computed)
	}

	if existing, err := r.store.Get(ctx, clone.Version); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fault.New(fault.CodeManifestInvalidSchema, "manifest version %q already exists", clone.Version)
	}

	if validateChain && clone.HashPrev != "" {
		parent, err := r.store.ByHash(ctx, clone.HashPrev)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, fault.New(fault.CodeManifestHashMismatch,
				"manifest %q hash_prev %s does not match any stored manifest", clone.ManifestID, clone.HashPrev)
		}
	}

	if err := r.store.Put(ctx, clone); err != nil {
		return nil, err
	}
	r.logger.Info("manifest created",
		"version", clone.Version, "hash_self", clone.HashSelf, "hash_prev", clone.HashPrev)
	return clone, nil
}

// Get returns the manifest for a version, failing MANIFEST_NOT_FOUND when
// absent.
func (r *Registry) Get(ctx context.Context, version string) (*Manifest, error) {
	m, err := r.store.Get(ctx, version)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fault.New(fault.CodeManifestNotFound, "manifest version %q not found", version)
	}
	return m, nil
}

// GetActive returns the single active manifest, failing MANIFEST_NOT_FOUND
// when no manifest has been activated yet.
func (r *Registry) GetActive(ctx context.Context) (*Manifest, error) {
	m, err := r.store.Active(ctx)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fault.New(fault.CodeManifestNotFound, "no active manifest")
	}
	return m, nil
}

// GetShadow returns the most recently shadowed manifest, or nil when no
// manifest is in shadow.
func (r *Registry) GetShadow(ctx context.Context) (*Manifest, error) {
	shadows, err := r.store.Shadows(ctx)
	if err != nil {
		return nil, err
	}
	if len(shadows) == 0 {
		return nil, nil
	}
	return shadows[len(shadows)-1], nil
}

// List returns manifests newest first.
func (r *Registry) List(ctx context.Context, limit, offset int) ([]*Manifest, error) {
	return r.store.List(ctx, limit, offset)
}

// SetShadow flips a manifest into shadow mode and stamps shadow_start.
func (r *Registry) SetShadow(ctx context.Context, version string) (*Manifest, error) {
	m, err := r.Get(ctx, version)
	if err != nil {
		return nil, err
	}
	if m.Active() {
		return nil, fault.New(fault.CodeActivationGateBlocked, "manifest %q is active; demote via activation of a successor", version)
	}
	now := r.clock.Now()
	m.ShadowMode = true
	m.ShadowStart = &now
	if err := r.store.Update(ctx, m); err != nil {
		return nil, err
	}
	r.logger.Info("manifest shadowing", "version", version, "shadow_start", now)
	return m, nil
}

// Activate promotes a manifest to active. Unless force is set, the gate
// requires a shadow report with safe_to_activate, a shadow period of at least
// gate.MinShadowDuration, divergence within gate.MaxDivergence, and no
// critical divergences. The previously active manifest is atomically demoted
// to shadow. force bypasses the gate and is recorded on the returned
// ActivationRecord for auditing.
func (r *Registry) Activate(ctx context.Context, version string, gate GateConfig, report *ShadowReport, force bool) (*ActivationRecord, error) {
	r.activateMu.Lock()
	defer r.activateMu.Unlock()

	target, err := r.Get(ctx, version)
	if err != nil {
		return nil, err
	}
	if target.Active() {
		return nil, fault.New(fault.CodeActivationGateBlocked, "manifest %q is already active", version)
	}

	now := r.clock.Now()
	if !force {
		if err := r.checkGate(target, gate, report, now); err != nil {
			return nil, err
		}
	} else {
		r.logger.Warn("activation gate bypassed", "version", version)
	}

	record := &ActivationRecord{
		Activated:   version,
		Forced:      force,
		ActivatedAt: now,
		Report:      report,
	}

	// Demote the current active manifest to shadow before promoting the
	// target, so a reader never observes two active manifests.
	if current, err := r.store.Active(ctx); err != nil {
		return nil, err
	} else if current != nil {
		current.ShadowMode = true
		current.ShadowStart = &now
		current.EffectiveAt = nil
		if err := r.store.Update(ctx, current); err != nil {
			return nil, err
		}
		record.Demoted = current.Version
	}

	target.ShadowMode = false
	target.ShadowStart = nil
	target.EffectiveAt = &now
	if err := r.store.Update(ctx, target); err != nil {
		return nil, err
	}

	r.logger.Info("manifest activated",
		"version", version, "demoted", record.Demoted, "forced", force)
	return record, nil
}

func (r *Registry) checkGate(target *Manifest, gate GateConfig, report *ShadowReport, now time.Time) error {
	if !target.ShadowMode || target.ShadowStart == nil {
		return fault.New(fault.CodeActivationGateBlocked, "manifest %q has not been shadowed", target.Version)
	}
	if elapsed := now.Sub(*target.ShadowStart); elapsed < gate.MinShadowDuration {
		return fault.New(fault.CodeActivationGateBlocked,
			"manifest %q shadowed for %s, gate requires %s", target.Version, elapsed, gate.MinShadowDuration)
	}
	if report == nil {
		return fault.New(fault.CodeActivationGateBlocked, "manifest %q has no shadow report", target.Version)
	}
	if !report.SafeToActivate {
		return fault.New(fault.CodeActivationGateBlocked, "shadow report marks manifest %q unsafe to activate", target.Version)
	}
	if d := report.Divergence(); d > gate.MaxDivergence {
		return fault.New(fault.CodeActivationGateBlocked,
			"manifest %q diverged on %.1f%% of observed jobs, gate allows %.1f%%",
			target.Version, d*100, gate.MaxDivergence*100)
	}
	if len(report.CriticalDivergences) > 0 {
		return fault.New(fault.CodeActivationGateBlocked,
			"manifest %q has %d critical divergences", target.Version, len(report.CriticalDivergences))
	}
	return nil
}
