package store

import (
	"context"
	"fmt"

	"github.com/mjl-/bstore"
)

// QuotaRoot is the unit occupancy is accounted against: all mailboxes of one
// owner in one namespace share a root. Messages moved between mailboxes
// under the same root never trip a quota check.
type QuotaRoot string

// QuotaUsage is the current occupancy of a quota root.
type QuotaUsage struct {
	Count int64 // Mailbox message rows, a message in two mailboxes counts twice.
	Size  int64
}

// QuotaLimits are the configured maxima for a quota root. Zero means
// unlimited.
type QuotaLimits struct {
	MaxCount int64
	MaxSize  int64
}

// QuotaSource provides the limits per quota root. Implementations typically
// read an admin-maintained configuration.
type QuotaSource interface {
	Limits(ctx context.Context, root QuotaRoot) (QuotaLimits, error)
}

// UnlimitedQuota is a QuotaSource without any limits, the default for a
// freshly opened store.
type UnlimitedQuota struct{}

func (UnlimitedQuota) Limits(ctx context.Context, root QuotaRoot) (QuotaLimits, error) {
	return QuotaLimits{}, nil
}

// QuotaExceededError is returned when an operation would bring a quota root
// over one of its limits. Nothing was changed.
type QuotaExceededError struct {
	Root   QuotaRoot
	Usage  QuotaUsage
	Limits QuotaLimits
	Count  int64 // Net counts the operation would have added.
	Size   int64
}

func (e QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d messages/%d bytes in use, +%d/+%d requested, limit %d/%d", e.Root, e.Usage.Count, e.Usage.Size, e.Count, e.Size, e.Limits.MaxCount, e.Limits.MaxSize)
}

// Usage returns the current occupancy of a quota root, from the maintained
// mailbox counts, without scanning messages.
func (s *Store) Usage(ctx context.Context, root QuotaRoot) (QuotaUsage, error) {
	var u QuotaUsage
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		var err error
		u, err = quotaUsage(tx, root)
		return err
	})
	return u, err
}

func quotaUsage(tx *bstore.Tx, root QuotaRoot) (QuotaUsage, error) {
	var u QuotaUsage
	q := bstore.QueryTx[Mailbox](tx)
	q.FilterFn(func(mb Mailbox) bool { return mb.QuotaRoot() == root })
	err := q.ForEach(func(mb Mailbox) error {
		u.Count += mb.Total
		u.Size += mb.Size
		return nil
	})
	if err != nil {
		return QuotaUsage{}, fmt.Errorf("computing quota usage: %v", err)
	}
	return u, nil
}

// checkQuota verifies that adding the net count/size to the root stays
// within its limits. Negative deltas always pass. Called inside the write
// transaction that applies the change, so usage cannot drift.
func (s *Store) checkQuota(ctx context.Context, tx *bstore.Tx, root QuotaRoot, count, size int64) error {
	if s.Quota == nil || count <= 0 && size <= 0 {
		return nil
	}
	limits, err := s.Quota.Limits(ctx, root)
	if err != nil {
		return fmt.Errorf("quota limits for %s: %w", root, err)
	}
	if limits.MaxCount == 0 && limits.MaxSize == 0 {
		return nil
	}
	u, err := quotaUsage(tx, root)
	if err != nil {
		return err
	}
	if limits.MaxCount > 0 && u.Count+count > limits.MaxCount || limits.MaxSize > 0 && u.Size+size > limits.MaxSize {
		return QuotaExceededError{Root: root, Usage: u, Limits: limits, Count: count, Size: size}
	}
	return nil
}
