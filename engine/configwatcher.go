package engine

import (
	"context"
	"time"

	"github.com/senzing-garage/data-mart-replicator/common"
)

// RefreshPolicy is the engine auto-refresh policy named by spec.md §6's
// "refresh-config-seconds" option.
type RefreshPolicy int

const (
	// RefreshManual never checks the engine's configuration version
	// automatically; negative refresh-config-seconds.
	RefreshManual RefreshPolicy = iota
	// RefreshOnDemand checks once, at startup, then never again;
	// refresh-config-seconds == 0.
	RefreshOnDemand
	// RefreshPeriodic checks on a fixed ticker; positive
	// refresh-config-seconds, in seconds.
	RefreshPeriodic
)

// ParseRefreshPolicy maps refresh-config-seconds to the policy and (for
// RefreshPeriodic) the tick period it names.
func ParseRefreshPolicy(seconds int) (RefreshPolicy, time.Duration) {
	switch {
	case seconds > 0:
		return RefreshPeriodic, time.Duration(seconds) * time.Second
	case seconds == 0:
		return RefreshOnDemand, 0
	default:
		return RefreshManual, 0
	}
}

// ConfigWatcher periodically compares the engine's reported configuration
// version against a pinned core-config-id, logging drift. Pinning is
// advisory: a drifted id is surfaced as a warning, not an error, since the
// engine accessor is the source of truth and a replicator instance should
// not stop replicating over a mismatch it cannot itself resolve.
type ConfigWatcher struct {
	Repo     Repository
	PinnedID string
	Policy   RefreshPolicy
	Period   time.Duration

	logger *common.ContextLogger
	stopCh chan struct{}
}

// NewConfigWatcher builds a watcher over repo. pinnedID may be empty, in
// which case drift is never reported (there is nothing to pin against).
func NewConfigWatcher(repo Repository, pinnedID string, policy RefreshPolicy, period time.Duration) *ConfigWatcher {
	return &ConfigWatcher{
		Repo:     repo,
		PinnedID: pinnedID,
		Policy:   policy,
		Period:   period,
		logger:   common.NewContextLogger(common.Logger, map[string]interface{}{"component": "engine", "subcomponent": "configwatcher"}),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the watcher per its policy. RefreshManual is a no-op;
// RefreshOnDemand fires one check in the background; RefreshPeriodic runs
// until Stop is called. Never blocks.
func (w *ConfigWatcher) Start() {
	switch w.Policy {
	case RefreshManual:
		return
	case RefreshOnDemand:
		go w.check(context.Background())
	case RefreshPeriodic:
		go w.loop()
	}
}

func (w *ConfigWatcher) loop() {
	w.check(context.Background())
	ticker := time.NewTicker(w.Period)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.check(context.Background())
		}
	}
}

func (w *ConfigWatcher) check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	info, err := w.Repo.Version(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("checking engine configuration version")
		return
	}
	if w.PinnedID != "" && info.ConfigID != w.PinnedID {
		w.logger.WithFields(map[string]interface{}{
			"pinned_config_id":  w.PinnedID,
			"current_config_id": info.ConfigID,
		}).Warn("engine configuration version drifted from pinned core-config-id")
	}
}

// Stop halts a RefreshPeriodic loop. A no-op for the other two policies.
func (w *ConfigWatcher) Stop() {
	if w.Policy == RefreshPeriodic {
		close(w.stopCh)
	}
}
