// Package exchange selects venue adapters through a static registration
// table keyed by exchange name.
package exchange

import (
	"fmt"
	"sort"
	"strings"

	"github.com/alanyoungcy/crossfolio/internal/domain"
	"github.com/alanyoungcy/crossfolio/internal/exchange/binance"
	"github.com/alanyoungcy/crossfolio/internal/exchange/bybit"
	"github.com/alanyoungcy/crossfolio/internal/exchange/kucoin"
	"github.com/alanyoungcy/crossfolio/internal/exchange/sim"
)

// FactoryConfig carries the per-venue adapter parameters.
type FactoryConfig struct {
	Enabled []string // exchange names the deployment supports
	Binance binance.Config
	Bybit   bybit.Config
	Kucoin  kucoin.Config
	// SimPrices seeds the deterministic sim venue when it is enabled.
	SimPrices map[string]float64
}

// builder constructs one venue's client for a credential set.
type builder func(cfg *FactoryConfig, creds domain.Credentials, sandbox bool) domain.ExchangeClient

// builders is the static registration table. Adding a venue means adding an
// adapter package and one entry here.
var builders = map[string]builder{
	"binance": func(cfg *FactoryConfig, creds domain.Credentials, sandbox bool) domain.ExchangeClient {
		return binance.New(cfg.Binance, creds, sandbox)
	},
	"bybit": func(cfg *FactoryConfig, creds domain.Credentials, sandbox bool) domain.ExchangeClient {
		return bybit.New(cfg.Bybit, creds, sandbox)
	},
	"kucoin": func(cfg *FactoryConfig, creds domain.Credentials, sandbox bool) domain.ExchangeClient {
		return kucoin.New(cfg.Kucoin, creds, sandbox)
	},
	"sim": func(cfg *FactoryConfig, creds domain.Credentials, sandbox bool) domain.ExchangeClient {
		return sim.New(sim.Config{Prices: cfg.SimPrices, Spread: 1})
	},
}

// Factory builds exchange clients for the venues a deployment enables.
type Factory struct {
	cfg     FactoryConfig
	enabled []string
}

// NewFactory validates that every enabled venue has a registered adapter and
// returns the factory.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	enabled := make([]string, 0, len(cfg.Enabled))
	for _, name := range cfg.Enabled {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, ok := builders[name]; !ok {
			return nil, fmt.Errorf("exchange: %q: %w", name, domain.ErrUnsupportedExchange)
		}
		enabled = append(enabled, name)
	}
	sort.Strings(enabled)
	return &Factory{cfg: cfg, enabled: enabled}, nil
}

// Build constructs a client for name. Credentials may be empty for
// public-data clients.
func (f *Factory) Build(name string, creds domain.Credentials, sandbox bool) (domain.ExchangeClient, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !f.Supports(name) {
		return nil, fmt.Errorf("exchange: %q: %w", name, domain.ErrUnsupportedExchange)
	}
	return builders[name](&f.cfg, creds, sandbox), nil
}

// Supports reports whether name is an enabled venue.
func (f *Factory) Supports(name string) bool {
	for _, e := range f.enabled {
		if e == name {
			return true
		}
	}
	return false
}

// Supported returns the enabled venue names, sorted.
func (f *Factory) Supported() []string {
	return append([]string(nil), f.enabled...)
}
