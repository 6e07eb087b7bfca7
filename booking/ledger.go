/*
ledger.go - Paired balance postings

PURPOSE:
  The only code that changes a wallet balance. Each posting writes the new
  balance and exactly one ledger entry for it, inside the caller's
  transaction. Confirm and Cancel post two entries (one per wallet) that net
  to zero; Deposit posts one.

CRITICAL INVARIANTS:
  1. Balance delta == sum of entry deltas written with it
  2. Both legs of a settlement commit or neither does (same Tx)
  3. No committed balance is negative
  4. Entries are append-only

LOCK ORDER:
  Wallets are loaded FOR UPDATE in ascending user id order so two
  transitions touching the same pair of wallets cannot deadlock.

SEE ALSO:
  - service.go: Confirm/Cancel/Deposit call into here
  - store.go: Tx.UpdateWalletBalance, Tx.AppendEntry
*/
package booking

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// posting is one leg of a ledgered balance change.
type posting struct {
	userID    UserID
	entryType EntryType
	amount    decimal.Decimal
}

// post applies postings atomically within tx and returns the resulting
// balance per user.
func post(ctx context.Context, tx Tx, appointmentID AppointmentID, at time.Time, postings ...posting) (map[UserID]decimal.Decimal, error) {
	sorted := make([]posting, len(postings))
	copy(sorted, postings)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].userID < sorted[j].userID })

	wallets := make(map[UserID]Wallet, len(sorted))
	for _, p := range sorted {
		if _, ok := wallets[p.userID]; ok {
			continue
		}
		w, err := tx.GetWalletForUpdate(ctx, p.userID)
		if errors.Is(err, ErrRecordNotFound) {
			return nil, notFound("Wallet not found for user id: %s", p.userID)
		}
		if err != nil {
			return nil, err
		}
		wallets[p.userID] = w
	}

	// Postings are applied in the caller's order so the ledger reads
	// naturally (PAYMENT before INCOME, REFUND before DEDUCTION).
	for _, p := range postings {
		if p.amount.IsNegative() {
			return nil, invalid("Posting amount cannot be negative")
		}
		w := wallets[p.userID]
		entry := LedgerEntry{
			ID:            NewEntryID(),
			WalletID:      w.ID,
			AppointmentID: appointmentID,
			Amount:        p.amount,
			Type:          p.entryType,
			Status:        EntrySuccess,
			CreatedAt:     at,
		}
		next := w.Balance.Add(entry.Delta())
		if next.IsNegative() {
			return nil, insufficientFunds("Insufficient balance in wallet! Required: %s, available: %s",
				p.amount.StringFixed(2), w.Balance.StringFixed(2))
		}
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return nil, err
		}
		if err := tx.UpdateWalletBalance(ctx, w.ID, next, at); err != nil {
			return nil, err
		}
		w.Balance = next
		w.LastUpdated = at
		wallets[p.userID] = w
	}

	balances := make(map[UserID]decimal.Decimal, len(wallets))
	for id, w := range wallets {
		balances[id] = w.Balance
	}
	return balances, nil
}

// settle moves the appointment fee from the customer to the provider.
func settle(ctx context.Context, tx Tx, appt Appointment, providerUser UserID, at time.Time) error {
	_, err := post(ctx, tx, appt.ID, at,
		posting{userID: appt.CustomerID, entryType: EntryPayment, amount: AppointmentFee},
		posting{userID: providerUser, entryType: EntryIncome, amount: AppointmentFee},
	)
	return err
}

// refund reverses settle.
func refund(ctx context.Context, tx Tx, appt Appointment, providerUser UserID, at time.Time) error {
	_, err := post(ctx, tx, appt.ID, at,
		posting{userID: appt.CustomerID, entryType: EntryRefund, amount: AppointmentFee},
		posting{userID: providerUser, entryType: EntryDeduction, amount: AppointmentFee},
	)
	return err
}
