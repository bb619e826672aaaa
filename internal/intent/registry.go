package intent

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"wavebot/internal/core"
)

// Record attributes one exchange order to the reason it was created.
type Record struct {
	OrderID       string
	LinkID        string
	Source        core.Source
	Authoritative bool
	Tag           string
	UpdatedAt     time.Time
}

// Sink persists records. Failures are logged and never block trading.
type Sink interface {
	Save(ctx context.Context, rec Record) error
}

var known = map[core.Source]struct{}{
	core.SourceGrid:     {},
	core.SourceTP:       {},
	core.SourceSL:       {},
	core.SourceHedge:    {},
	core.SourceEscape:   {},
	core.SourceRecenter: {},
	core.SourceManual:   {},
	core.SourceExternal: {},
	core.SourceUnknown:  {},
}

func Normalize(src core.Source) core.Source {
	s := core.Source(strings.ToLower(strings.TrimSpace(string(src))))
	if _, ok := known[s]; !ok {
		return core.SourceUnknown
	}
	return s
}

// Tier ranks sources: unknown < external/manual < bot-originated.
func Tier(src core.Source) int {
	switch Normalize(src) {
	case core.SourceUnknown:
		return 0
	case core.SourceExternal, core.SourceManual:
		return 1
	default:
		return 2
	}
}

// Merge keeps the authoritative record, then the higher tier; ties keep old.
// Identifiers missing from the winner are filled from the other record.
func Merge(old, next Record) Record {
	if old.OrderID == "" && old.LinkID == "" {
		return next
	}
	winner, other := old, next
	switch {
	case next.Authoritative && !old.Authoritative:
		winner, other = next, old
	case old.Authoritative && !next.Authoritative:
	case Tier(next.Source) > Tier(old.Source):
		winner, other = next, old
	}
	out := winner
	if out.OrderID == "" {
		out.OrderID = other.OrderID
	}
	if out.LinkID == "" {
		out.LinkID = other.LinkID
	}
	if out.Tag == "" {
		out.Tag = other.Tag
	}
	if other.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = other.UpdatedAt
	}
	return out
}

type Registry struct {
	mu      sync.Mutex
	byOrder map[string]Record
	byLink  map[string]Record
	sink    Sink
	now     func() time.Time
}

func NewRegistry(sink Sink) *Registry {
	return &Registry{
		byOrder: make(map[string]Record),
		byLink:  make(map[string]Record),
		sink:    sink,
		now:     time.Now,
	}
}

// Register records an order the bot placed itself.
func (r *Registry) Register(ctx context.Context, orderID, linkID string, src core.Source, tag string) Record {
	return r.upsert(ctx, Record{
		OrderID:       orderID,
		LinkID:        linkID,
		Source:        Normalize(src),
		Authoritative: true,
		Tag:           tag,
	})
}

// Ingest records an order seen on the exchange stream, attributing it from
// its tag. It never overrides what the bot registered itself.
func (r *Registry) Ingest(ctx context.Context, order core.Order) Record {
	reduceOnly := order.ReduceOnly
	tag := order.Tag
	if tag == "" {
		tag = order.ClientID
	}
	src, ok := InferSource(tag, &reduceOnly)
	if !ok {
		src = core.SourceUnknown
		if strings.TrimSpace(tag) == "" {
			src = core.SourceExternal
		}
	}
	return r.upsert(ctx, Record{
		OrderID: order.ID,
		LinkID:  order.ClientID,
		Source:  src,
		Tag:     tag,
	})
}

func (r *Registry) Lookup(orderID, linkID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if orderID != "" {
		if rec, ok := r.byOrder[orderID]; ok {
			return rec, true
		}
	}
	if linkID != "" {
		if rec, ok := r.byLink[linkID]; ok {
			return rec, true
		}
	}
	return Record{}, false
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byOrder) + len(r.byLink)
}

func (r *Registry) upsert(ctx context.Context, rec Record) Record {
	if rec.OrderID == "" && rec.LinkID == "" {
		return rec
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = r.now()
	}
	r.mu.Lock()
	var existing Record
	if rec.OrderID != "" {
		existing = Merge(existing, r.byOrder[rec.OrderID])
	}
	if rec.LinkID != "" {
		if other, ok := r.byLink[rec.LinkID]; ok {
			existing = Merge(existing, other)
		}
	}
	merged := Merge(existing, rec)
	if merged.OrderID != "" {
		r.byOrder[merged.OrderID] = merged
	}
	if merged.LinkID != "" {
		r.byLink[merged.LinkID] = merged
	}
	r.mu.Unlock()

	if r.sink != nil {
		if err := r.sink.Save(ctx, merged); err != nil {
			log.Printf("level=WARN event=intent_journal_failed order_id=%s link_id=%s err=%q", merged.OrderID, merged.LinkID, err)
		}
	}
	return merged
}
