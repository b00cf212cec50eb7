package domain

import (
	"context"
	"time"
)

// SnapshotLog is the append-only durable log of sequenced quotes.
// Reads must observe every write that returned successfully (read-after-write
// per contract).
type SnapshotLog interface {
	// AppendNext atomically reserves the next logical position for key
	// (strictly above its durable high-water mark) and stores the snapshot
	// built by build. Nothing is written and no position is consumed on error.
	AppendNext(ctx context.Context, key ContractKey, build func(position uint64) QuoteSnapshot) (QuoteSnapshot, error)

	// SnapshotsForDay returns the day's snapshots in ascending position order.
	SnapshotsForDay(ctx context.Context, key ContractKey, day Date) ([]QuoteSnapshot, error)

	// LastSnapshot returns the max-position snapshot of the day, or nil.
	LastSnapshot(ctx context.Context, key ContractKey, day Date) (*QuoteSnapshot, error)

	// BusinessDatesBefore lists distinct business dates strictly before
	// `before` that hold snapshots for key, newest first, at most limit.
	BusinessDatesBefore(ctx context.Context, key ContractKey, before Date, limit int) ([]Date, error)
}

// ReferenceSource supplies the tier 1 signal: the last observed trade time
// of the reference index. ok is false when nothing has been observed.
type ReferenceSource interface {
	LatestReferenceTime(ctx context.Context, indexName string) (t time.Time, ok bool, err error)
}

// OverrideSource supplies the tier 2 operator override, if any.
type OverrideSource interface {
	BusinessDateOverride(ctx context.Context) (d Date, ok bool, err error)
}

// InstrumentCatalog supplies the currently active contracts.
type InstrumentCatalog interface {
	ActiveContracts(ctx context.Context) ([]ContractKey, error)
}

// ArchiveStore holds one row per (contract, business date).
type ArchiveStore interface {
	// UpsertArchive atomically creates or replaces the row for
	// (rec.Contract, rec.BusinessDate). Replacing keeps ArchivedAt.
	UpsertArchive(ctx context.Context, rec ArchiveRecord) (UpsertOutcome, error)

	// ArchiveRange returns rows with from <= business date <= to.
	ArchiveRange(ctx context.Context, from, to Date) ([]ArchiveRecord, error)
}

// Clock returns the current time. Injected for tests.
type Clock func() time.Time
