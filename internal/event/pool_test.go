package event

import (
	"testing"
	"time"

	"circuit_go/internal/domain"

	"github.com/shopspring/decimal"
)

func TestReleaseQuoteEvent_Zeroes(t *testing.T) {
	ev := AcquireQuoteEvent()
	ev.Contract = domain.ContractKey{IndexName: "NIFTY", StrikePrice: decimal.NewFromInt(24500)}
	ev.Raw.UpperLimit = decimal.NewFromInt(120)
	ev.ReceivedAt = time.Now()
	ev.Source = "ws"

	ReleaseQuoteEvent(ev)

	if ev.Contract.IndexName != "" || ev.Source != "" || !ev.ReceivedAt.IsZero() {
		t.Errorf("event not reset: %+v", ev)
	}
	if !ev.Raw.UpperLimit.IsZero() {
		t.Errorf("raw quote not reset: %s", ev.Raw.UpperLimit)
	}
}

func TestReleaseQuoteEvent_Nil(t *testing.T) {
	ReleaseQuoteEvent(nil) // must not panic
}

func TestWarmup(t *testing.T) {
	Warmup(16)
	if AcquireQuoteEvent() == nil {
		t.Fatal("pool returned nil")
	}
}
