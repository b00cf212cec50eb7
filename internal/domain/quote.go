package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RawQuote is one upstream tuple before sequencing.
type RawQuote struct {
	ObservedAt time.Time       `json:"observed_at"` // advisory, may be zero
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Last       decimal.Decimal `json:"last"`
	LowerLimit decimal.Decimal `json:"lower_limit"`
	UpperLimit decimal.Decimal `json:"upper_limit"`
}

// Validate performs structural checks only. Prices are not judged.
func (q RawQuote) Validate() error {
	if q.LowerLimit.IsNegative() || q.UpperLimit.IsNegative() {
		return fmt.Errorf("%w: negative price band %s..%s", ErrInvalidQuote, q.LowerLimit, q.UpperLimit)
	}
	if q.UpperLimit.LessThan(q.LowerLimit) {
		return fmt.Errorf("%w: upper limit %s below lower limit %s", ErrInvalidQuote, q.UpperLimit, q.LowerLimit)
	}
	return nil
}

// QuoteSnapshot is an accepted, sequenced quote. Immutable once stored.
type QuoteSnapshot struct {
	Contract     ContractKey     `json:"contract"`
	BusinessDate Date            `json:"business_date"`
	Position     uint64          `json:"logical_position"`
	WallClock    time.Time       `json:"wall_clock"`            // receive time, advisory
	ObservedAt   time.Time       `json:"observed_at,omitzero"` // upstream trade time; zero when unset
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Close        decimal.Decimal `json:"close"`
	Last         decimal.Decimal `json:"last"`
	LowerLimit   decimal.Decimal `json:"lower_limit"`
	UpperLimit   decimal.Decimal `json:"upper_limit"`
}

// BandEqual compares bands by exact decimal value. No tolerance.
func BandEqual(lowerA, upperA, lowerB, upperB decimal.Decimal) bool {
	return lowerA.Equal(lowerB) && upperA.Equal(upperB)
}

// Tier identifies which fallback source produced a business date.
type Tier int

const (
	TierPrimaryFeed    Tier = iota + 1 // last trade time of the reference index
	TierManualOverride                 // operator-supplied override
	TierTimeHeuristic                  // wall clock vs session window
	TierHardFallback                   // calendar date, uncorroborated
)

func (t Tier) String() string {
	switch t {
	case TierPrimaryFeed:
		return "Tier1_PrimaryFeed"
	case TierManualOverride:
		return "Tier2_ManualOverride"
	case TierTimeHeuristic:
		return "Tier3_TimeHeuristic"
	case TierHardFallback:
		return "Tier4_HardFallback"
	default:
		return "UNKNOWN"
	}
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// BusinessDate is a resolved trading date plus how it was obtained.
type BusinessDate struct {
	Date   Date   `json:"date"`
	Tier   Tier   `json:"tier"`
	Reason string `json:"reason,omitempty"` // why earlier tiers were skipped
}

// Degraded is true for tiers 3 and 4.
func (b BusinessDate) Degraded() bool {
	return b.Tier >= TierTimeHeuristic
}

// Warning returns an ErrResolutionDegraded-wrapping error for degraded
// results and nil otherwise. The date itself is still usable.
func (b BusinessDate) Warning() error {
	if !b.Degraded() {
		return nil
	}
	return fmt.Errorf("%w: %s via %s (%s)", ErrResolutionDegraded, b.Date, b.Tier, b.Reason)
}

// Baseline is the band in force at the start of BusinessDate.
type Baseline struct {
	Contract           ContractKey     `json:"contract"`
	BusinessDate       Date            `json:"business_date"`
	LowerLimit         decimal.Decimal `json:"lower_limit"`
	UpperLimit         decimal.Decimal `json:"upper_limit"`
	SourceBusinessDate Date            `json:"source_business_date"`
	SourcePosition     uint64          `json:"source_position"`
}

// ChangeEvent is a derived band change. Always regenerable from snapshots.
type ChangeEvent struct {
	Contract     ContractKey     `json:"contract"`
	BusinessDate Date            `json:"business_date"`
	Position     uint64          `json:"logical_position"`
	LowerLimit   decimal.Decimal `json:"lower_limit"`
	UpperLimit   decimal.Decimal `json:"upper_limit"`
	WallClock    time.Time       `json:"wall_clock"`

	// Anchor marks the unconditional first event of the day.
	Anchor bool `json:"anchor"`
	// ChangedFromBaseline is set on the anchor when its band differs from
	// the prior day's closing band (or when there is no baseline at all).
	ChangedFromBaseline bool `json:"changed_from_baseline"`
}

// ArchiveRecord is the authoritative end-of-day state of one contract.
type ArchiveRecord struct {
	Contract       ContractKey   `json:"contract"`
	BusinessDate   Date          `json:"business_date"`
	Final          QuoteSnapshot `json:"final_snapshot"`
	IsExpired      bool          `json:"is_expired_at_archival"`
	ArchivedAt     time.Time     `json:"archived_at"`      // creation marker; never overwritten
	LastMergedAt   time.Time     `json:"last_merged_at"`   // updated on every merge
	LastMergeRunID string        `json:"last_merge_run_id"`
}

// UpsertOutcome says whether an archive upsert created or replaced a row.
type UpsertOutcome int

const (
	UpsertCreated UpsertOutcome = iota + 1
	UpsertUpdated
)

// ContractFailure is one contract an archive pass could not write.
type ContractFailure struct {
	ContractID string `json:"contract_id"`
	Error      string `json:"error"`
}

// ArchiveResult reports an archive pass. Partial progress is expected.
type ArchiveResult struct {
	RunID        string            `json:"run_id"`
	BusinessDate Date              `json:"business_date"`
	Created      int               `json:"created"`
	Updated      int               `json:"updated"`
	Skipped      int               `json:"skipped"` // no snapshot that day
	Failures     []ContractFailure `json:"failures,omitempty"`
	Aborted      bool              `json:"aborted"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
}

// Complete is true when every active contract was either written or skipped.
func (r ArchiveResult) Complete() bool {
	return !r.Aborted && len(r.Failures) == 0
}
