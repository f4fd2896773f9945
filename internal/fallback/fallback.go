// Package fallback implements the pluggable fallback-data generator (spec
// §4.5/§6): synthetic best-effort profiles the degradation handler and
// recovery strategies hand back when the store itself cannot answer.
//
// This is pure domain data synthesis with no I/O, parsing, or wire format
// of its own, so it is built directly against the standard library; no
// retrieved example or ecosystem library applies to "make up a risk
// profile shape" the way one applies to logging, metrics, or HTTP.
package fallback

import (
	"context"

	"github.com/riskshield/sentinel-core/internal/store"
)

// Profile is the fallback-generated stand-in for store.Customer, always
// tagged with its origin and a confidence score per spec §4.5.
type Profile struct {
	CustomerID string                 `json:"customerId"`
	Phone      string                 `json:"phone,omitempty"`
	Email      string                 `json:"email,omitempty"`
	RiskTier   string                 `json:"riskTier"`
	RiskScore  float64                `json:"riskScore"`
	Metadata   map[string]interface{} `json:"metadata"`
}

const (
	RiskTierNew     = "new"
	RiskTierUnknown = "unknown"
	RiskTierDefault = "default"
)

// Generator implements the four fallback surfaces the spec names:
// getNewCustomerProfile, getCustomerFallback, getOrderFallback,
// getDefaultRiskAssessment.
type Generator struct{}

// New constructs a Generator. It carries no state.
func New() *Generator {
	return &Generator{}
}

// NewCustomerProfile is handed back when a DatabaseErrorRecovery exhausts
// retries with no cache hit: an unscored new-customer stand-in.
func (g *Generator) NewCustomerProfile() Profile {
	return Profile{
		CustomerID: "",
		RiskTier:   RiskTierNew,
		RiskScore:  0,
		Metadata:   map[string]interface{}{"source": "fallback", "reason": "new_customer_profile"},
	}
}

// CustomerFallback builds a generic profile from whatever identifiers were
// available on the original request, used when a circuit-breaker or
// timeout error leaves no cached data to serve.
func (g *Generator) CustomerFallback(ids store.Identifiers) Profile {
	return Profile{
		CustomerID: "",
		Phone:      ids.Phone,
		Email:      ids.Email,
		RiskTier:   RiskTierUnknown,
		RiskScore:  0.5,
		Metadata:   map[string]interface{}{"source": "fallback", "reason": "generic_customer_profile"},
	}
}

// OrderFallback stands in for an order lookup that could not be served.
func (g *Generator) OrderFallback(orderID string) Profile {
	return Profile{
		CustomerID: "",
		RiskTier:   RiskTierUnknown,
		RiskScore:  0.5,
		Metadata:   map[string]interface{}{"source": "fallback", "reason": "order_by_id", "orderId": orderID},
	}
}

// DefaultRiskAssessment is the last-resort scoring used when nothing else
// about the customer is known.
func (g *Generator) DefaultRiskAssessment() Profile {
	return Profile{
		RiskTier: RiskTierDefault,
		RiskScore: 0.5,
		Metadata: map[string]interface{}{"source": "fallback", "reason": "default_risk_assessment"},
	}
}

// Provide adapts the four-surface generator to the single-function
// signature recovery.FallbackProvider and degradation.FallbackGenerator
// both expect, dispatching on the logical fallback kind each caller names.
func (g *Generator) Provide(ctx context.Context, kind string, hint map[string]interface{}) (interface{}, bool) {
	switch kind {
	case "new_customer_profile":
		p := g.NewCustomerProfile()
		return &p, true
	case "generic_customer_profile":
		ids, _ := hint["identifiers"].(store.Identifiers)
		p := g.CustomerFallback(ids)
		return &p, true
	case "order_by_id":
		orderID, _ := hint["orderId"].(string)
		p := g.OrderFallback(orderID)
		return &p, true
	case "default_risk_assessment":
		p := g.DefaultRiskAssessment()
		return &p, true
	default:
		return nil, false
	}
}
