// Package admission bounds the number of validations that may run at once.
package admission

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cochaviz/tavalid/internal/logging"
)

// DefaultCapacity is used when a non-positive capacity is configured.
const DefaultCapacity = 3

// Ticket is the proof that a request holds one unit of capacity.
type Ticket struct {
	RequestID  string
	AcquiredAt time.Time
}

type holder struct {
	ticket Ticket
	// weighted is false for adopted tickets that exceeded capacity.
	weighted bool
}

// Gate is a non-blocking counting semaphore keyed by request id. Callers that
// are denied are expected to retry later; the gate itself never queues.
type Gate struct {
	capacity int64
	sem      *semaphore.Weighted

	mu   sync.Mutex
	held map[string]holder

	logger *slog.Logger
	now    func() time.Time
}

// NewGate returns a gate admitting at most capacity concurrent holders.
func NewGate(capacity int, logger *slog.Logger) *Gate {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Gate{
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
		held:     make(map[string]holder),
		logger:   logging.Ensure(logger).With("component", "admission"),
		now:      time.Now,
	}
}

// TryAcquire grants a ticket if capacity remains. A request that already
// holds a ticket gets the same ticket back without consuming more capacity.
func (g *Gate) TryAcquire(requestID string) (Ticket, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if h, ok := g.held[requestID]; ok {
		return h.ticket, true
	}
	if !g.sem.TryAcquire(1) {
		g.logger.Debug("admission denied", "request_id", requestID, "held", len(g.held), "capacity", g.capacity)
		return Ticket{}, false
	}

	ticket := Ticket{RequestID: requestID, AcquiredAt: g.now().UTC()}
	g.held[requestID] = holder{ticket: ticket, weighted: true}
	g.logger.Debug("admission granted", "request_id", requestID, "held", len(g.held), "capacity", g.capacity)
	return ticket, true
}

// Release returns the request's capacity. It reports whether a ticket was
// actually held; releasing twice is a no-op.
func (g *Gate) Release(requestID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.held[requestID]
	if !ok {
		return false
	}
	delete(g.held, requestID)
	if h.weighted {
		g.sem.Release(1)
	}
	g.logger.Debug("admission released", "request_id", requestID, "held", len(g.held))
	return true
}

// Adopt registers tickets for requests recovered from persistent state.
// Adoption ignores capacity: recovered requests were already admitted by a
// previous process and must be accounted for until they are finalised. The
// ids adopted beyond capacity, which hold no slot, are returned.
func (g *Gate) Adopt(requestIDs []string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var adopted int
	var overflow []string
	for _, id := range requestIDs {
		if _, ok := g.held[id]; ok {
			continue
		}
		weighted := g.sem.TryAcquire(1)
		g.held[id] = holder{
			ticket:   Ticket{RequestID: id, AcquiredAt: g.now().UTC()},
			weighted: weighted,
		}
		adopted++
		if !weighted {
			overflow = append(overflow, id)
		}
	}
	g.logger.Info("adopted running requests", "count", adopted, "overflow", len(overflow), "held", len(g.held))
	return overflow
}

// Held returns the number of outstanding tickets.
func (g *Gate) Held() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}

// Holders lists the request ids currently holding tickets.
func (g *Gate) Holders() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]string, 0, len(g.held))
	for id := range g.held {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (g *Gate) Capacity() int {
	return int(g.capacity)
}
