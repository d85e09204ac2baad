package resilience

import (
	"PerpRecon/internal/observability"
)

// SubscriptionView is the part of the subscription registry the degradation
// view needs: whether any subscription is off its live push feed.
type SubscriptionView interface {
	AnyDegraded() bool
}

// Degradation is the single degraded/healthy signal for the service. Breakers
// and polling fallback trip independently; this view ORs them.
type Degradation struct {
	sup     *Supervisor
	subs    SubscriptionView
	metrics *observability.Metrics
}

func NewDegradation(sup *Supervisor, subs SubscriptionView, metrics *observability.Metrics) *Degradation {
	return &Degradation{sup: sup, subs: subs, metrics: metrics}
}

// Degraded reports whether downstream consumers should treat data as possibly stale.
func (d *Degradation) Degraded() bool {
	degraded := len(d.Reasons()) > 0
	if d.metrics != nil {
		if degraded {
			d.metrics.Degraded.Set(1)
		} else {
			d.metrics.Degraded.Set(0)
		}
	}
	return degraded
}

// Reasons names what is currently degraded, e.g. "breaker:rest:fills".
func (d *Degradation) Reasons() []string {
	var reasons []string
	if d.subs != nil && d.subs.AnyDegraded() {
		reasons = append(reasons, "subscriptions")
	}
	if d.sup != nil {
		for _, snap := range d.sup.Breakers() {
			if snap.State != StateClosed {
				reasons = append(reasons, "breaker:"+snap.Endpoint)
			}
		}
	}
	return reasons
}
