package scheduler

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/types"
)

// OfferPool holds the resource offers currently advertised by the cluster
// manager. Offers are consumed by placement and rescinded by the cluster
// manager when a host changes.
type OfferPool struct {
	mu     sync.RWMutex
	offers map[string]*types.Offer
	logger zerolog.Logger
}

// NewOfferPool creates an empty pool.
func NewOfferPool() *OfferPool {
	return &OfferPool{
		offers: make(map[string]*types.Offer),
		logger: log.WithComponent("offers"),
	}
}

// Add records a new offer.
func (p *OfferPool) Add(offer *types.Offer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers[offer.ID] = offer
	metrics.OffersOutstanding.Set(float64(len(p.offers)))
	p.logger.Debug().Str("offer_id", offer.ID).Str("host", offer.Host).Msg("Offer added")
}

// Rescind removes an offer withdrawn by the cluster manager. Returns whether
// the offer was still held.
func (p *OfferPool) Rescind(offerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.offers[offerID]
	delete(p.offers, offerID)
	metrics.OffersOutstanding.Set(float64(len(p.offers)))
	return ok
}

// Remove consumes an offer reserved by placement.
func (p *OfferPool) Remove(offerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.offers, offerID)
	metrics.OffersOutstanding.Set(float64(len(p.offers)))
}

// Snapshot returns the held offers ordered oldest first, so long-idle offers
// are consumed before fresh ones expire unused.
func (p *OfferPool) Snapshot() []*types.Offer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*types.Offer, 0, len(p.offers))
	for _, o := range p.offers {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// Size returns the number of held offers.
func (p *OfferPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.offers)
}
