// Package exchange resolves the execution adapter configured for each
// trading account.
package exchange

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/alanyoungcy/tradehook/internal/config"
	"github.com/alanyoungcy/tradehook/internal/domain"
	"github.com/alanyoungcy/tradehook/internal/exchange/binance"
	"github.com/alanyoungcy/tradehook/internal/exchange/paper"
)

// Supported exchange names.
const (
	Binance = "binance"
	Paper   = "paper"
)

// Registry maps account names to adapters. It implements
// domain.ExchangeRegistry.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]domain.ExecutionAdapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]domain.ExecutionAdapter)}
}

// FromConfig builds one adapter per configured account. Paper accounts read
// prices from prices.
func FromConfig(cfg *config.Config, prices domain.PriceCache, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry()
	for _, name := range cfg.AccountNames() {
		acc := cfg.Accounts[name]
		switch strings.ToLower(acc.Exchange) {
		case Binance:
			r.Register(name, binance.New(binance.Config{
				APIKey:     acc.APIKey,
				APISecret:  acc.APISecret,
				UseTestnet: cfg.Exchange.UseTestnet,
			}, logger.With(slog.String("account", name))))
		case Paper:
			r.Register(name, paper.New(prices))
		default:
			return nil, fmt.Errorf("exchange: account %s: unsupported exchange %q: %w", name, acc.Exchange, domain.ErrUnsupported)
		}
	}
	return r, nil
}

// Register sets the adapter for accountID.
func (r *Registry) Register(accountID string, a domain.ExecutionAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[accountID] = a
}

// Adapter returns the adapter for accountID.
func (r *Registry) Adapter(accountID string) (domain.ExecutionAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[accountID]
	if !ok {
		return nil, fmt.Errorf("exchange: %w: %s", domain.ErrUnknownAccount, accountID)
	}
	return a, nil
}

// Accounts lists the registered account names, sorted.
func (r *Registry) Accounts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
