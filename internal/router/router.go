// Package router decides which trading accounts receive a signal and with
// what order settings.
package router

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"sync"

	"github.com/alanyoungcy/tradehook/internal/domain"
)

// DefaultRule is the routing rule used by strategies without their own.
const DefaultRule = "default"

// symbolPattern is the base+quote shape every strategy-routed symbol must have.
var symbolPattern = regexp.MustCompile(`^[A-Z]{3,}[A-Z]{3,}$`)

// Account is the routing view of one configured trading account.
type Account struct {
	Name         string
	Exchange     string
	Enabled      bool
	SymbolsAllow []string
	SymbolsDeny  []string
	PositionSize float64
	Leverage     int
	MarginMode   string
}

// Rule selects target accounts. Empty Accounts means every account.
type Rule struct {
	Accounts       []string
	AllowedSymbols []string
	DeniedSymbols  []string
}

// Strategy holds per-strategy filters and take-profit fractions.
type Strategy struct {
	AllowedSymbols []string
	DeniedSymbols  []string
	TPPercentages  map[string]float64
}

// Settings are the resolved order parameters for one account.
type Settings struct {
	Quantity   float64
	Leverage   int
	MarginMode string
}

// Config assembles a Router.
type Config struct {
	Accounts   []Account
	Rules      map[string]Rule
	Strategies map[string]Strategy
	// Defaults apply where neither the signal nor the account sets a value.
	Defaults Settings
}

// Target is one account selected for a signal. Err is set for explicitly
// requested accounts that are not configured.
type Target struct {
	AccountID string
	Err       error
}

// Router is the process-wide owner of account routing state. Enabled flags
// may be toggled at runtime; everything else is fixed at construction.
type Router struct {
	mu         sync.RWMutex
	accounts   map[string]*Account
	names      []string
	rules      map[string]Rule
	strategies map[string]Strategy
	defaults   Settings
}

// New builds a Router from cfg.
func New(cfg Config) *Router {
	r := &Router{
		accounts:   make(map[string]*Account, len(cfg.Accounts)),
		rules:      cfg.Rules,
		strategies: cfg.Strategies,
		defaults:   cfg.Defaults,
	}
	for i := range cfg.Accounts {
		a := cfg.Accounts[i]
		r.accounts[a.Name] = &a
		r.names = append(r.names, a.Name)
	}
	sort.Strings(r.names)
	if r.rules == nil {
		r.rules = map[string]Rule{}
	}
	if r.strategies == nil {
		r.strategies = map[string]Strategy{}
	}
	if r.defaults.Quantity <= 0 {
		r.defaults.Quantity = 0.001
	}
	if r.defaults.Leverage <= 0 {
		r.defaults.Leverage = 1
	}
	if r.defaults.MarginMode == "" {
		r.defaults.MarginMode = domain.MarginCross
	}
	return r
}

// Route returns the accounts that should receive a signal for strategyID and
// symbol. A non-empty explicit list is used verbatim. Otherwise the strategy's
// rule (or the default rule, or every account when neither exists) is
// filtered by the enabled flag, the account symbol lists, the rule symbol
// lists and the strategy symbol lists. Filtered accounts are dropped silently.
func (r *Router) Route(strategyID, symbol string, explicit []string) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(explicit) > 0 {
		targets := make([]Target, 0, len(explicit))
		seen := make(map[string]bool, len(explicit))
		for _, name := range explicit {
			if seen[name] {
				continue
			}
			seen[name] = true
			t := Target{AccountID: name}
			if _, ok := r.accounts[name]; !ok {
				t.Err = fmt.Errorf("%w: %s", domain.ErrUnknownAccount, name)
			}
			targets = append(targets, t)
		}
		return targets
	}

	rule, ok := r.rules[strategyID]
	if !ok {
		rule, ok = r.rules[DefaultRule]
	}
	candidates := r.names
	if ok && len(rule.Accounts) > 0 {
		candidates = rule.Accounts
	}

	if !r.strategyAllows(strategyID, symbol) {
		return nil
	}

	var targets []Target
	for _, name := range candidates {
		acc, exists := r.accounts[name]
		if !exists || !acc.Enabled {
			continue
		}
		if !listAllows(acc.SymbolsAllow, acc.SymbolsDeny, symbol) {
			continue
		}
		if !listAllows(rule.AllowedSymbols, rule.DeniedSymbols, symbol) {
			continue
		}
		targets = append(targets, Target{AccountID: name})
	}
	return targets
}

func (r *Router) strategyAllows(strategyID, symbol string) bool {
	if !symbolPattern.MatchString(symbol) {
		return false
	}
	s, ok := r.strategies[strategyID]
	if !ok {
		return true
	}
	return listAllows(s.AllowedSymbols, s.DeniedSymbols, symbol)
}

// listAllows applies a deny list first, then a non-empty allow list.
func listAllows(allow, deny []string, symbol string) bool {
	if slices.Contains(deny, symbol) {
		return false
	}
	return len(allow) == 0 || slices.Contains(allow, symbol)
}

// Resolve returns the order settings for accountID: signal values first, then
// the account's defaults, then the global defaults. Quantity is made
// positive.
func (r *Router) Resolve(accountID string, opts domain.SignalOptions) Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.defaults
	if acc, ok := r.accounts[accountID]; ok {
		if acc.PositionSize > 0 {
			s.Quantity = acc.PositionSize
		}
		if acc.Leverage > 0 {
			s.Leverage = acc.Leverage
		}
		if acc.MarginMode != "" {
			s.MarginMode = acc.MarginMode
		}
	}

	if q := abs(opts.Quantity); q > 0 {
		s.Quantity = q
	}
	if opts.Leverage > 0 {
		s.Leverage = opts.Leverage
	}
	if opts.MarginMode != "" {
		s.MarginMode = opts.MarginMode
	}
	return s
}

// TPFraction returns the close fraction for a take-profit tier: the signal's
// override, then the strategy's configured fraction, then def.
func (r *Router) TPFraction(sig *domain.Signal, tier int, def float64) float64 {
	r.mu.RLock()
	s, ok := r.strategies[sig.StrategyID]
	r.mu.RUnlock()
	if ok {
		def = strategyFraction(s, tier, def)
	}
	return sig.TPFraction(tier, def)
}

func strategyFraction(s Strategy, tier int, def float64) float64 {
	if f, ok := s.TPPercentages[fmt.Sprintf("TP%d", tier)]; ok && f > 0 {
		return f
	}
	return def
}

// SetEnabled toggles an account at runtime.
func (r *Router) SetEnabled(accountID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[accountID]
	if !ok {
		return fmt.Errorf("router: %w: %s", domain.ErrUnknownAccount, accountID)
	}
	acc.Enabled = enabled
	return nil
}

// AccountStatus is the public view of an account.
type AccountStatus struct {
	Name         string   `json:"name"`
	Exchange     string   `json:"exchange"`
	Enabled      bool     `json:"enabled"`
	SymbolsAllow []string `json:"symbols_allowlist,omitempty"`
	SymbolsDeny  []string `json:"symbols_denylist,omitempty"`
	PositionSize float64  `json:"position_size"`
	Leverage     int      `json:"leverage"`
	MarginMode   string   `json:"margin_mode"`
}

// Accounts lists every configured account in name order.
func (r *Router) Accounts() []AccountStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AccountStatus, 0, len(r.names))
	for _, name := range r.names {
		a := r.accounts[name]
		out = append(out, AccountStatus{
			Name:         a.Name,
			Exchange:     a.Exchange,
			Enabled:      a.Enabled,
			SymbolsAllow: a.SymbolsAllow,
			SymbolsDeny:  a.SymbolsDeny,
			PositionSize: a.PositionSize,
			Leverage:     a.Leverage,
			MarginMode:   a.MarginMode,
		})
	}
	return out
}

// EnabledAccounts lists enabled account names in order.
func (r *Router) EnabledAccounts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range r.names {
		if r.accounts[name].Enabled {
			out = append(out, name)
		}
	}
	return out
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
