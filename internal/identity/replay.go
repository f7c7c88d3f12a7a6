package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/couponguard/internal/domain"
)

// TransactionSource lists persisted transactions in processing order.
type TransactionSource interface {
	ListTransactions(ctx context.Context, since time.Time) ([]*domain.Transaction, error)
}

// VendorSource lists operator-added blacklist entries.
type VendorSource interface {
	ListBlacklistedVendors(ctx context.Context) ([]string, error)
}

// Replay rebuilds reuse history from persisted transactions.
// It returns the number of transactions recorded.
func (i *Index) Replay(ctx context.Context, src TransactionSource, since time.Time) (int, error) {
	if src == nil {
		return 0, fmt.Errorf("no transaction source available")
	}

	txs, err := src.ListTransactions(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("failed to list transactions: %w", err)
	}

	recorded := 0
	malformed := 0
	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return recorded, err
		}
		if err := i.Record(tx); err != nil {
			var mk *MalformedKeyError
			if !errors.As(err, &mk) {
				return recorded, err
			}
			malformed++
		}
		recorded++
	}

	if malformed > 0 {
		slog.Warn("replayed transactions with empty identity keys", "count", malformed)
	}
	return recorded, nil
}

// LoadVendors merges persisted blacklist entries into the index.
func (i *Index) LoadVendors(ctx context.Context, src VendorSource) (int, error) {
	names, err := src.ListBlacklistedVendors(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list blacklisted vendors: %w", err)
	}
	added := 0
	for _, n := range names {
		if i.BlacklistVendor(n) {
			added++
		}
	}
	return added, nil
}
