package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/samber/lo"

	"billingledger/internal/config"
	"billingledger/internal/types"
)

// Registry holds the adapters enabled in this deployment, keyed by name.
type Registry struct {
	adapters map[types.GatewayName]Adapter
}

// NewRegistry builds an adapter for every enabled gateway. Each HTTP
// adapter gets its own http.Client and circuit breaker so one failing
// provider cannot trip the others.
func NewRegistry(cfg config.GatewaysConfig, logger *slog.Logger, opts ...BaseClientOption) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	base := func(name types.GatewayName) *BaseClient {
		client := &http.Client{Timeout: cfg.HTTPTimeout}
		return NewBaseClient(client, "gateway-"+string(name), userAgent, opts...)
	}

	var adapters []Adapter
	for _, name := range cfg.EnabledGateways() {
		switch name {
		case types.GatewayStripe:
			adapters = append(adapters, NewStripeAdapter(cfg.Stripe, base(name)))
		case types.GatewayPaddle:
			adapters = append(adapters, NewPaddleAdapter(cfg.Paddle, base(name)))
		case types.GatewayLemonSqueezy:
			if !cfg.LemonSqueezy.WebhookSecret.IsSet() {
				logger.Warn("lemonsqueezy webhook secret not configured; webhooks will be accepted without verification")
			}
			adapters = append(adapters, NewLemonSqueezyAdapter(cfg.LemonSqueezy, base(name)))
		case types.GatewayManual:
			adapters = append(adapters, NewManualAdapter())
		default:
			return nil, fmt.Errorf("unknown gateway %q", name)
		}
	}

	r := NewRegistryFrom(adapters...)
	logger.Info("payment gateways configured", "gateways", r.Names())
	return r, nil
}

// NewRegistryFrom builds a registry from ready-made adapters. A later
// adapter with the same name replaces an earlier one.
func NewRegistryFrom(adapters ...Adapter) *Registry {
	return &Registry{
		adapters: lo.KeyBy(adapters, func(a Adapter) types.GatewayName { return a.Name() }),
	}
}

// Get returns the adapter for name or ErrCodeNotFoundGateway.
func (r *Registry) Get(name types.GatewayName) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundGateway,
			fmt.Sprintf("payment gateway %q is not configured", name), nil,
			map[string]any{"gateway": name})
	}
	return a, nil
}

// Names lists the configured gateways in sorted order.
func (r *Registry) Names() []types.GatewayName {
	names := lo.Keys(r.adapters)
	slices.Sort(names)
	return names
}
