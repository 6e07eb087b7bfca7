/*
reconcile.go - Wallet/ledger consistency check

PURPOSE:
  A wallet balance is a cache of its ledger: the sum of entry deltas.
  ReconcileWallets recomputes that sum for every wallet and reports the
  ones that disagree. It never writes; a drift means something bypassed
  the ledger and needs a human.

SEE ALSO:
  - ledger.go: The only code path that moves balances
  - api/scheduler.go: Runs this periodically
*/
package booking

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// WalletDrift is a wallet whose stored balance differs from its ledger.
type WalletDrift struct {
	WalletID  WalletID
	UserID    UserID
	Balance   decimal.Decimal
	LedgerSum decimal.Decimal
}

// ReconciliationReport is the outcome of one ReconcileWallets run.
type ReconciliationReport struct {
	CheckedAt time.Time
	Wallets   int
	Drifts    []WalletDrift
}

// Consistent reports whether every wallet matched its ledger.
func (r ReconciliationReport) Consistent() bool {
	return len(r.Drifts) == 0
}

// LedgerSum is the balance implied by entries.
func LedgerSum(entries []LedgerEntry) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range entries {
		if e.Status == EntrySuccess {
			sum = sum.Add(e.Delta())
		}
	}
	return sum
}

// ReconcileWallets compares every wallet balance with its ledger.
func (s *Service) ReconcileWallets(ctx context.Context) (ReconciliationReport, error) {
	ctx, span := s.tracer.Start(ctx, "booking.ReconcileWallets")
	defer span.End()

	report := ReconciliationReport{CheckedAt: s.now().UTC(), Drifts: []WalletDrift{}}
	if err := ctx.Err(); err != nil {
		return report, s.fail(ctx, span, "reconcile wallets", err)
	}
	wallets, err := s.store.ListWallets(ctx)
	if err != nil {
		return report, s.fail(ctx, span, "reconcile wallets", err)
	}

	for _, w := range wallets {
		if err := ctx.Err(); err != nil {
			return report, s.fail(ctx, span, "reconcile wallets", err)
		}
		entries, err := s.store.ListEntries(ctx, w.ID)
		if err != nil {
			return report, s.fail(ctx, span, "reconcile wallets", err, "wallet_id", w.ID)
		}
		report.Wallets++

		sum := LedgerSum(entries)
		if sum.Equal(w.Balance) {
			continue
		}
		report.Drifts = append(report.Drifts, WalletDrift{
			WalletID:  w.ID,
			UserID:    w.UserID,
			Balance:   w.Balance,
			LedgerSum: sum,
		})
		s.logger.ErrorContext(ctx, "wallet balance does not match ledger",
			"wallet_id", w.ID, "user_id", w.UserID,
			"balance", w.Balance.StringFixed(2), "ledger_sum", sum.StringFixed(2))
	}

	span.SetAttributes(attribute.Int("wallets.checked", report.Wallets), attribute.Int("wallets.drifted", len(report.Drifts)))
	return report, nil
}
