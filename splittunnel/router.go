// Package splittunnel keeps the per-application split tunnel rules and
// installs the routing section of the traffic policy.
package splittunnel

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/firewall"
)

// AppRule is the split tunnel choice for one application.
type AppRule struct {
	App  string           `yaml:"app" json:"app"`
	Mode common.SplitMode `yaml:"mode" json:"mode"`
}

// RuleStore persists app rules.
type RuleStore interface {
	LoadRules() (map[string]common.SplitMode, error)
	SaveRules(rules map[string]common.SplitMode) error
}

// Router owns the app rules and writes the routing section of the shared table.
type Router struct {
	table *firewall.Table
	store RuleStore

	mu    sync.RWMutex
	rules map[string]common.SplitMode
}

// NewRouter returns a Router with no rules. store may be nil.
func NewRouter(table *firewall.Table, store RuleStore) *Router {
	return &Router{
		table: table,
		store: store,
		rules: make(map[string]common.SplitMode),
	}
}

// Load replaces the in-memory rules with the persisted ones.
func (r *Router) Load() error {
	if r.store == nil {
		return nil
	}
	loaded, err := r.store.LoadRules()
	if err != nil {
		return fmt.Errorf("failed to load app rules: %w", err)
	}

	rules := make(map[string]common.SplitMode, len(loaded))
	for app, mode := range loaded {
		if app = common.NormalizeAppID(app); app != "" {
			rules[app] = mode
		}
	}

	r.mu.Lock()
	r.rules = rules
	r.mu.Unlock()
	common.LogInfo("Split tunnel: loaded %d app rules", len(rules))
	return nil
}

// SetRule adds or replaces the rule for an app and persists the rule set.
// The app does not need to exist on disk.
func (r *Router) SetRule(rule AppRule) error {
	app := common.NormalizeAppID(rule.App)
	if app == "" {
		return fmt.Errorf("%w: app rule without app", common.ErrMisconfigured)
	}
	if rule.Mode < common.SplitDefault || rule.Mode > common.SplitOnlyVPN {
		return fmt.Errorf("%w: invalid mode %d for %s", common.ErrMisconfigured, rule.Mode, app)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.rules[app]
	r.rules[app] = rule.Mode
	if err := r.save(); err != nil {
		if had {
			r.rules[app] = prev
		} else {
			delete(r.rules, app)
		}
		return err
	}
	return nil
}

// RemoveRule deletes the rule for app. It reports whether a rule existed.
func (r *Router) RemoveRule(app string) (bool, error) {
	app = common.NormalizeAppID(app)

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.rules[app]
	if !had {
		return false, nil
	}
	delete(r.rules, app)
	if err := r.save(); err != nil {
		r.rules[app] = prev
		return true, err
	}
	return true, nil
}

// save must be called with mu held.
func (r *Router) save() error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveRules(maps.Clone(r.rules)); err != nil {
		return fmt.Errorf("failed to save app rules: %w", err)
	}
	return nil
}

// CurrentRules returns the rules ordered by app.
func (r *Router) CurrentRules() []AppRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedRules(r.rules)
}

// Modes returns a copy of the rules keyed by app.
func (r *Router) Modes() map[string]common.SplitMode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.rules)
}

// Apply installs the routing rules for in.
func (r *Router) Apply(ctx context.Context, in firewall.Input) error {
	rules := firewall.RoutingFor(in)
	if err := r.table.Replace(ctx, firewall.RoutingSection, rules); err != nil {
		common.LogError("Split tunnel: failed to apply routing in state %s: %v", in.State, err)
		return err
	}
	return nil
}
