package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pitodo/backend/internal/events"
	"github.com/pitodo/backend/internal/identity"
	"github.com/pitodo/backend/internal/models"
	"github.com/shopspring/decimal"
)

func adjust(f *fixture, actor, target uuid.UUID, amount string, dir Direction) (*MutationResult, error) {
	return f.balance.GrantOrRevoke(context.Background(), AdjustRequest{
		Actor:     identity.UserID(actor),
		Target:    identity.UserID(target),
		Amount:    dec(amount),
		Direction: dir,
		Reason:    "test",
	})
}

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		amount string
		ok     bool
	}{
		{"1", true},
		{"0.000001", true},
		{"123456.5", true},
		{"0", false},
		{"-5", false},
		{"0.0000001", false},
		{"1.1234567", false},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			err := ValidateAmount(dec(tt.amount))
			if tt.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidAmount) {
				t.Errorf("expected ErrInvalidAmount, got %v", err)
			}
		})
	}
}

// 100 -> +50 -> -200 (rejected) -> -150 ends at zero with three ledger rows.
func TestGrantOrRevoke_Scenario(t *testing.T) {
	for _, mode := range txModes {
		t.Run(mode.name, func(t *testing.T) {
			f := newFixture(t, mode.transactional)
			adminID := f.admin("boss")
			target := f.store.addMaster("alice", "")

			steps := []struct {
				amount  string
				dir     Direction
				wantErr error
				balance string
			}{
				{"100", DirectionGrant, nil, "100"},
				{"50", DirectionGrant, nil, "150"},
				{"200", DirectionRevoke, ErrInsufficientBalance, "150"},
				{"150", DirectionRevoke, nil, "0"},
			}
			for i, st := range steps {
				res, err := adjust(f, adminID, target.ID, st.amount, st.dir)
				if st.wantErr != nil {
					if !errors.Is(err, st.wantErr) {
						t.Fatalf("step %d: expected %v, got %v", i, st.wantErr, err)
					}
				} else {
					if err != nil {
						t.Fatalf("step %d: expected no error, got: %v", i, err)
					}
					if !res.NewBalance().Equal(dec(st.balance)) {
						t.Errorf("step %d: expected balance %s, got %s", i, st.balance, res.NewBalance())
					}
					if res.State != StateCommitted {
						t.Errorf("step %d: expected committed, got %s", i, res.State)
					}
				}
			}

			w, ok := f.store.walletOf(target.ID)
			if !ok {
				t.Fatal("expected wallet to exist")
			}
			if !w.Balance.IsZero() {
				t.Errorf("expected final balance 0, got %s", w.Balance)
			}

			entries := f.store.entries(w.ID)
			if len(entries) != 3 {
				t.Fatalf("expected 3 ledger entries, got %d", len(entries))
			}
			wantAfter := []string{"100", "150", "0"}
			wantType := []string{models.TxTypeGrant, models.TxTypeGrant, models.TxTypeRevoke}
			sum := decimal.Zero
			for i, e := range entries {
				if !e.BalanceAfter.Equal(dec(wantAfter[i])) {
					t.Errorf("entry %d: expected balance_after %s, got %s", i, wantAfter[i], e.BalanceAfter)
				}
				if e.TransactionType != wantType[i] {
					t.Errorf("entry %d: expected %s, got %s", i, wantType[i], e.TransactionType)
				}
				sum = sum.Add(e.Amount)
			}
			if !sum.Equal(w.Balance) {
				t.Errorf("ledger sum %s does not match balance %s", sum, w.Balance)
			}
		})
	}
}

func TestGrantOrRevoke_NotAuthorized(t *testing.T) {
	for _, mode := range txModes {
		t.Run(mode.name, func(t *testing.T) {
			f := newFixture(t, mode.transactional)
			actor := f.store.addMaster("mallory", "")
			f.store.addAlias(models.IdentityAlias{MasterID: &actor.ID, Provider: models.ProviderPi, Role: models.RoleUser, Verified: true})
			target := f.store.addMaster("alice", "")

			_, err := adjust(f, actor.ID, target.ID, "10", DirectionGrant)
			if !errors.Is(err, ErrNotAuthorized) {
				t.Fatalf("expected ErrNotAuthorized, got %v", err)
			}
			if _, ok := f.store.walletOf(target.ID); ok {
				t.Error("rejected request must not touch the target wallet")
			}
		})
	}
}

func TestGrantOrRevoke_BreakGlass(t *testing.T) {
	tests := []struct {
		name  string
		alias models.IdentityAlias
		want  error
	}{
		{
			name:  "verified pi root username",
			alias: models.IdentityAlias{Provider: models.ProviderPi, Username: strPtr("PITODO_ROOT"), Verified: true},
			want:  nil,
		},
		{
			name:  "unverified pi alias",
			alias: models.IdentityAlias{Provider: models.ProviderPi, Username: strPtr("pitodo_root")},
			want:  ErrNotAuthorized,
		},
		{
			name:  "email alias claiming root username",
			alias: models.IdentityAlias{Provider: models.ProviderEmail, Username: strPtr("pitodo_root"), Verified: true},
			want:  ErrNotAuthorized,
		},
		{
			name:  "similar username",
			alias: models.IdentityAlias{Provider: models.ProviderPi, Username: strPtr("pitodo_root_2"), Verified: true},
			want:  ErrNotAuthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			actor := f.store.addMaster("", "")
			tt.alias.MasterID = &actor.ID
			f.store.addAlias(tt.alias)
			target := f.store.addMaster("alice", "")

			_, err := adjust(f, actor.ID, target.ID, "1", DirectionGrant)
			if tt.want == nil && err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestGrantOrRevoke_InputErrors(t *testing.T) {
	f := newFixture(t, false)
	adminID := f.admin("boss")
	target := f.store.addMaster("alice", "")

	tests := []struct {
		name   string
		target identity.Identifier
		amount string
		dir    Direction
		want   error
	}{
		{"zero amount", identity.UserID(target.ID), "0", DirectionGrant, ErrInvalidAmount},
		{"negative amount", identity.UserID(target.ID), "-3", DirectionGrant, ErrInvalidAmount},
		{"too precise", identity.UserID(target.ID), "0.0000001", DirectionGrant, ErrInvalidAmount},
		{"bad direction", identity.UserID(target.ID), "1", Direction("steal"), ErrInvalidAmount},
		{"unknown target", identity.Username("ghost"), "1", DirectionGrant, ErrIdentityNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.balance.GrantOrRevoke(context.Background(), AdjustRequest{
				Actor:     identity.UserID(adminID),
				Target:    tt.target,
				Amount:    dec(tt.amount),
				Direction: tt.dir,
			})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestGrantOrRevoke_LedgerFailureRollsBack(t *testing.T) {
	for _, mode := range txModes {
		t.Run(mode.name, func(t *testing.T) {
			f := newFixture(t, mode.transactional)
			adminID := f.admin("boss")
			target := f.store.addMaster("alice", "")
			w := f.store.addWallet(target.ID, "100")
			f.store.failTypes[models.TxTypeGrant] = errors.New("disk full")

			_, err := adjust(f, adminID, target.ID, "25", DirectionGrant)
			if !errors.Is(err, ErrLedgerWriteFailed) {
				t.Fatalf("expected ErrLedgerWriteFailed, got %v", err)
			}

			after := f.store.wallet(w.ID)
			if !after.Balance.Equal(dec("100")) {
				t.Errorf("expected balance restored to 100, got %s", after.Balance)
			}
			if n := len(f.store.entries(w.ID)); n != 0 {
				t.Errorf("expected no ledger rows, got %d", n)
			}
			if f.publisher.count() != 0 {
				t.Error("failed mutation must not publish events")
			}
		})
	}
}

func TestGrantOrRevoke_FallbackTypeStillCommits(t *testing.T) {
	for _, mode := range txModes {
		t.Run(mode.name, func(t *testing.T) {
			f := newFixture(t, mode.transactional)
			adminID := f.admin("boss")
			target := f.store.addMaster("alice", "")
			f.store.addWallet(target.ID, "10")
			f.store.rejectTypes[models.TxTypeRevoke] = true

			res, err := adjust(f, adminID, target.ID, "4", DirectionRevoke)
			if err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}
			if res.Entry.TransactionType != models.TxTypeFallback {
				t.Errorf("expected %s, got %s", models.TxTypeFallback, res.Entry.TransactionType)
			}
			if res.Entry.Metadata["intended_type"] != models.TxTypeRevoke {
				t.Errorf("expected intended_type=revoke, got %v", res.Entry.Metadata["intended_type"])
			}
			if !res.NewBalance().Equal(dec("6")) {
				t.Errorf("expected balance 6, got %s", res.NewBalance())
			}
		})
	}
}

func TestGrantOrRevoke_CompareAndSwapRetries(t *testing.T) {
	tests := []struct {
		name      string
		conflicts int
		want      error
	}{
		{"recovers", 2, nil},
		{"gives up", 5, ErrConcurrentUpdate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			adminID := f.admin("boss")
			target := f.store.addMaster("alice", "")
			w := f.store.addWallet(target.ID, "1")
			f.store.casConflicts = tt.conflicts

			_, err := adjust(f, adminID, target.ID, "1", DirectionGrant)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("expected no error, got: %v", err)
				}
				if b := f.store.wallet(w.ID).Balance; !b.Equal(dec("2")) {
					t.Errorf("expected balance 2, got %s", b)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if b := f.store.wallet(w.ID).Balance; !b.Equal(dec("1")) {
				t.Errorf("expected balance unchanged, got %s", b)
			}
		})
	}
}

func TestGrantOrRevoke_ConcurrentGrantsConserveValue(t *testing.T) {
	for _, mode := range txModes {
		t.Run(mode.name, func(t *testing.T) {
			f := newFixture(t, mode.transactional)
			f.cfg.MutationMaxAttempts = 50
			adminID := f.admin("boss")
			target := f.store.addMaster("alice", "")
			w := f.store.addWallet(target.ID, "0")

			const n = 20
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := adjust(f, adminID, target.ID, "1.5", DirectionGrant); err == nil {
						mu.Lock()
						successes++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			got := f.store.wallet(w.ID).Balance
			want := dec("1.5").Mul(decimal.NewFromInt(int64(successes)))
			if !got.Equal(want) {
				t.Errorf("expected balance %s for %d grants, got %s", want, successes, got)
			}
			if entries := f.store.entries(w.ID); len(entries) != successes {
				t.Errorf("expected %d ledger rows, got %d", successes, len(entries))
			}
			if mode.transactional && successes != n {
				t.Errorf("serialized transactions should all succeed, got %d/%d", successes, n)
			}
		})
	}
}

func TestGrantOrRevoke_UsesNewestWalletForValidationAndUpdate(t *testing.T) {
	for _, mode := range txModes {
		t.Run(mode.name, func(t *testing.T) {
			f := newFixture(t, mode.transactional)
			adminID := f.admin("boss")
			target := f.store.addMaster("alice", "")
			alias := f.store.addAlias(models.IdentityAlias{MasterID: &target.ID, Provider: models.ProviderLegacy})
			legacy := f.store.addWallet(alias.ID, "500")
			current := f.store.addWallet(target.ID, "20")

			// legacy wallet is older: the revoke is checked against the newer row only
			_, err := adjust(f, adminID, target.ID, "100", DirectionRevoke)
			if !errors.Is(err, ErrInsufficientBalance) {
				t.Fatalf("expected ErrInsufficientBalance, got %v", err)
			}

			res, err := adjust(f, adminID, target.ID, "5", DirectionRevoke)
			if err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}
			if res.Wallet.ID != current.ID {
				t.Errorf("expected wallet %s, got %s", current.ID, res.Wallet.ID)
			}
			if b := f.store.wallet(legacy.ID).Balance; !b.Equal(dec("500")) {
				t.Errorf("legacy wallet must stay untouched, got %s", b)
			}
		})
	}
}

func TestGrantOrRevoke_PublishesAndAudits(t *testing.T) {
	f := newFixture(t, true)
	adminID := f.admin("boss")
	target := f.store.addMaster("alice", "")

	if _, err := adjust(f, adminID, target.ID, "7", DirectionGrant); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if f.publisher.count() != 1 {
		t.Fatalf("expected 1 event, got %d", f.publisher.count())
	}
	ev := f.publisher.events[0]
	if ev.Type != events.EventWalletBalanceChanged {
		t.Errorf("expected %s, got %s", events.EventWalletBalanceChanged, ev.Type)
	}
	if ev.UserID() != target.ID.String() {
		t.Errorf("expected event for %s, got %s", target.ID, ev.UserID())
	}
	if ev.Payload["balance"] != "7.000000" {
		t.Errorf("expected balance 7.000000, got %v", ev.Payload["balance"])
	}
	if len(f.store.audit) != 1 || f.store.audit[0].Action != models.ActionGrant {
		t.Errorf("expected one pitd_grant audit row, got %+v", f.store.audit)
	}
}

func TestTransfer(t *testing.T) {
	for _, mode := range txModes {
		t.Run(mode.name, func(t *testing.T) {
			f := newFixture(t, mode.transactional)
			alice := f.store.addMaster("alice", "")
			bob := f.store.addMaster("bob", "")
			aw := f.store.addWallet(alice.ID, "10")

			res, err := f.balance.Transfer(context.Background(), TransferRequest{
				Actor:  identity.UserID(alice.ID),
				From:   identity.UserID(alice.ID),
				To:     identity.Username("Bob"),
				Amount: dec("3.25"),
				Note:   "lunch",
			})
			if err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}

			if b := f.store.wallet(aw.ID); !b.Balance.Equal(dec("6.75")) || !b.TotalSpent.Equal(dec("3.25")) {
				t.Errorf("sender: expected 6.75 balance and 3.25 spent, got %s / %s", b.Balance, b.TotalSpent)
			}
			bw, ok := f.store.walletOf(bob.ID)
			if !ok || !bw.Balance.Equal(dec("3.25")) {
				t.Errorf("receiver: expected 3.25, got %s", bw.Balance)
			}
			if !bw.TotalSpent.IsZero() {
				t.Errorf("receiver total_spent should stay 0, got %s", bw.TotalSpent)
			}

			if res.From.Entry.TransactionType != models.TxTypeTransferOut || res.To.Entry.TransactionType != models.TxTypeTransferIn {
				t.Errorf("unexpected entry types %s / %s", res.From.Entry.TransactionType, res.To.Entry.TransactionType)
			}
			if !res.From.Entry.Amount.Equal(dec("-3.25")) || !res.To.Entry.Amount.Equal(dec("3.25")) {
				t.Errorf("unexpected entry amounts %s / %s", res.From.Entry.Amount, res.To.Entry.Amount)
			}
			if *res.From.Entry.ReferenceID != res.TransferID || *res.To.Entry.ReferenceID != res.TransferID {
				t.Error("both entries should reference the transfer id")
			}
			if f.publisher.count() != 2 {
				t.Errorf("expected 2 events, got %d", f.publisher.count())
			}
		})
	}
}

func TestTransfer_Rejections(t *testing.T) {
	for _, mode := range txModes {
		t.Run(mode.name, func(t *testing.T) {
			f := newFixture(t, mode.transactional)
			alice := f.store.addMaster("alice", "")
			bob := f.store.addMaster("bob", "")
			aw := f.store.addWallet(alice.ID, "5")

			tests := []struct {
				name string
				req  TransferRequest
				want error
			}{
				{
					name: "insufficient",
					req:  TransferRequest{Actor: identity.UserID(alice.ID), From: identity.UserID(alice.ID), To: identity.UserID(bob.ID), Amount: dec("5.000001")},
					want: ErrInsufficientBalance,
				},
				{
					name: "not owner",
					req:  TransferRequest{Actor: identity.UserID(bob.ID), From: identity.UserID(alice.ID), To: identity.UserID(bob.ID), Amount: dec("1")},
					want: ErrNotAuthorized,
				},
				{
					name: "self",
					req:  TransferRequest{Actor: identity.UserID(alice.ID), From: identity.UserID(alice.ID), To: identity.Username("ALICE"), Amount: dec("1")},
					want: ErrInvalidAmount,
				},
				{
					name: "unknown receiver",
					req:  TransferRequest{Actor: identity.UserID(alice.ID), From: identity.UserID(alice.ID), To: identity.Username("nobody"), Amount: dec("1")},
					want: ErrIdentityNotFound,
				},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					if _, err := f.balance.Transfer(context.Background(), tt.req); !errors.Is(err, tt.want) {
						t.Fatalf("expected %v, got %v", tt.want, err)
					}
					if b := f.store.wallet(aw.ID).Balance; !b.Equal(dec("5")) {
						t.Errorf("sender balance changed to %s", b)
					}
				})
			}
		})
	}
}

func TestTransfer_CreditFailureRestoresSender(t *testing.T) {
	for _, mode := range txModes {
		t.Run(mode.name, func(t *testing.T) {
			f := newFixture(t, mode.transactional)
			alice := f.store.addMaster("alice", "")
			bob := f.store.addMaster("bob", "")
			aw := f.store.addWallet(alice.ID, "10")
			bw := f.store.addWallet(bob.ID, "1")
			f.store.failTypes[models.TxTypeTransferIn] = errors.New("disk full")

			_, err := f.balance.Transfer(context.Background(), TransferRequest{
				Actor:  identity.UserID(alice.ID),
				From:   identity.UserID(alice.ID),
				To:     identity.UserID(bob.ID),
				Amount: dec("4"),
			})
			if !errors.Is(err, ErrLedgerWriteFailed) {
				t.Fatalf("expected ErrLedgerWriteFailed, got %v", err)
			}

			a := f.store.wallet(aw.ID)
			if !a.Balance.Equal(dec("10")) || !a.TotalSpent.IsZero() {
				t.Errorf("sender: expected 10 balance and 0 spent, got %s / %s", a.Balance, a.TotalSpent)
			}
			if b := f.store.wallet(bw.ID).Balance; !b.Equal(dec("1")) {
				t.Errorf("receiver: expected 1, got %s", b)
			}

			entries := f.store.entries(aw.ID)
			if mode.transactional {
				if len(entries) != 0 {
					t.Errorf("rolled back transaction left %d ledger rows", len(entries))
				}
				return
			}
			// debit and its refund are both on the sender's ledger
			if len(entries) != 2 || entries[1].TransactionType != models.TxTypeRefund {
				t.Fatalf("expected transfer_out then refund, got %+v", entries)
			}
			if !entries[1].BalanceAfter.Equal(dec("10")) {
				t.Errorf("refund balance_after: expected 10, got %s", entries[1].BalanceAfter)
			}
		})
	}
}

func TestQueryWallet_ProvisionsLazily(t *testing.T) {
	f := newFixture(t, false)
	m := f.store.addMaster("alice", "")

	view, err := f.balance.QueryWallet(context.Background(), identity.Username("alice"))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if view.MasterID != m.ID {
		t.Errorf("expected master %s, got %s", m.ID, view.MasterID)
	}
	if view.Balance != "0.000000" {
		t.Errorf("expected 0.000000, got %s", view.Balance)
	}
	if len(view.Address) != 24 {
		t.Errorf("expected 24 char address, got %q", view.Address)
	}
	if f.store.walletCount() != 1 {
		t.Errorf("expected 1 wallet, got %d", f.store.walletCount())
	}
}

func TestQueryWallet_NotFound(t *testing.T) {
	f := newFixture(t, false)
	if _, err := f.balance.QueryWallet(context.Background(), identity.UserID(uuid.New())); !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("expected ErrIdentityNotFound, got %v", err)
	}
}

func TestHistory_NewestFirst(t *testing.T) {
	f := newFixture(t, true)
	adminID := f.admin("boss")
	target := f.store.addMaster("alice", "")

	for _, amt := range []string{"1", "2", "3"} {
		if _, err := adjust(f, adminID, target.ID, amt, DirectionGrant); err != nil {
			t.Fatalf("grant %s: %v", amt, err)
		}
	}

	entries, err := f.balance.History(context.Background(), identity.UserID(target.ID), 2, 0)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !entries[0].Amount.Equal(dec("3")) || !entries[1].Amount.Equal(dec("2")) {
		t.Errorf("expected newest first, got %s, %s", entries[0].Amount, entries[1].Amount)
	}

	empty, err := f.balance.History(context.Background(), identity.UserID(f.store.addMaster("new", "").ID), 10, 0)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("expected empty non-nil history, got %v", empty)
	}
}
