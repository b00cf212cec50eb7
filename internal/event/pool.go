package event

import (
	"sync"
	"time"

	"circuit_go/internal/domain"

	"github.com/shopspring/decimal"
)

// QuoteEvent carries one upstream quote from a feed worker to the sequencer.
type QuoteEvent struct {
	Contract   domain.ContractKey
	Raw        domain.RawQuote
	ReceivedAt time.Time
	Source     string
}

// QuoteEventPool provides sync.Pool for high-frequency event allocation.
// Feed workers acquire, the sequencer releases after Accept returns.
//
// Usage:
//
//	ev := AcquireQuoteEvent()
//	ev.Contract = key
//	ev.Raw = raw
//	inbox <- ev
var quoteEventPool = sync.Pool{
	New: func() interface{} {
		return &QuoteEvent{}
	},
}

// AcquireQuoteEvent gets a QuoteEvent from the pool.
// The returned event has zero values and must be initialized.
func AcquireQuoteEvent() *QuoteEvent {
	return quoteEventPool.Get().(*QuoteEvent)
}

// ReleaseQuoteEvent returns a QuoteEvent to the pool after zeroing it.
func ReleaseQuoteEvent(ev *QuoteEvent) {
	if ev == nil {
		return
	}
	ev.Contract = domain.ContractKey{}
	ev.Raw = domain.RawQuote{
		Open:       decimal.Zero,
		High:       decimal.Zero,
		Low:        decimal.Zero,
		Close:      decimal.Zero,
		Last:       decimal.Zero,
		LowerLimit: decimal.Zero,
		UpperLimit: decimal.Zero,
	}
	ev.ReceivedAt = time.Time{}
	ev.Source = ""

	quoteEventPool.Put(ev)
}

// Warmup pre-allocates event objects to reduce GC pressure at startup.
func Warmup(n int) {
	if n <= 0 {
		n = 1000
	}
	evs := make([]*QuoteEvent, 0, n)
	for i := 0; i < n; i++ {
		evs = append(evs, AcquireQuoteEvent())
	}
	for _, ev := range evs {
		ReleaseQuoteEvent(ev)
	}
}
