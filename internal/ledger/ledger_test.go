package ledger_test

import (
	"StakeLedger/internal/ledger"
	"errors"
	"testing"

	"github.com/google/uuid"
)

const (
	testBase    ledger.AssetID = 101
	testVoucher ledger.AssetID = 102
)

func init() {
	_ = ledger.RegisterAsset("KSM", testBase)
	_ = ledger.RegisterAsset("xKSM", testVoucher)
}

func fund(t *testing.T, bt *ledger.BalanceTracker, who uuid.UUID, amount uint64) {
	t.Helper()
	tx := bt.Begin("fund:"+who.String(), 0, 0)
	if err := tx.Mint(testBase, who, amount); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewUserAccountKey(userID, testBase)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:free:KSM"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_PoolPath(t *testing.T) {
	key := ledger.HolderKey(ledger.PoolAccountID, testVoucher)
	if key.Scope != ledger.AccountScopeSystem {
		t.Fatalf("pool id must resolve to a system account")
	}
	if key.AccountPath() != "system:staking_pool:xKSM" {
		t.Errorf("got %q", key.AccountPath())
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewUserAccountKey(uuid.New(), testBase),
		ledger.NewPoolAccountKey(testVoucher),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalIssuance, testBase),
	}
	for _, k := range keys {
		got, err := ledger.ParseAccountPath(k.AccountPath())
		if err != nil {
			t.Fatalf("parse %s: %v", k.AccountPath(), err)
		}
		if got != k {
			t.Errorf("round trip mismatch for %s", k.AccountPath())
		}
	}

	if _, err := ledger.ParseAccountPath("user:not-a-uuid:free:KSM"); err == nil {
		t.Error("expected error for bad uuid")
	}
	if _, err := ledger.ParseAccountPath("system:staking_pool:DOGE"); err == nil {
		t.Error("expected error for unknown asset")
	}
}

func TestRegisterAsset_Conflict(t *testing.T) {
	if err := ledger.RegisterAsset("KSM", testBase); err != nil {
		t.Errorf("re-registering same pair should succeed: %v", err)
	}
	if err := ledger.RegisterAsset("KSM", 999); err == nil {
		t.Error("expected conflict for different id")
	}
	if err := ledger.RegisterAsset("", 5); err == nil {
		t.Error("expected error for empty name")
	}
}

// ============================================================================
// Test: Transactions
// ============================================================================

func TestTx_TransferCommit(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	alice, bob := uuid.New(), uuid.New()
	fund(t, bt, alice, 1_000)

	tx := bt.Begin("evt-1", 1, 0)
	if err := tx.Transfer(testBase, alice, bob, 400); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	// Staged reads see the transfer, the tracker does not yet.
	if tx.ReducibleBalance(testBase, bob) != 400 {
		t.Errorf("staged balance: got %d", tx.ReducibleBalance(testBase, bob))
	}
	if bt.ReducibleBalance(testBase, bob) != 0 {
		t.Errorf("tracker must not see uncommitted transfer")
	}

	batch, err := tx.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if batch == nil || len(batch.Journals) != 1 {
		t.Fatalf("expected one journal, got %+v", batch)
	}
	if bt.ReducibleBalance(testBase, alice) != 600 || bt.ReducibleBalance(testBase, bob) != 400 {
		t.Errorf("balances after commit: alice=%d bob=%d",
			bt.ReducibleBalance(testBase, alice), bt.ReducibleBalance(testBase, bob))
	}
}

func TestTx_Rollback(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	alice := uuid.New()
	fund(t, bt, alice, 1_000)

	tx := bt.Begin("evt-2", 2, 0)
	if err := tx.Burn(testBase, alice, 1_000); err != nil {
		t.Fatalf("burn: %v", err)
	}
	tx.Rollback()

	if bt.ReducibleBalance(testBase, alice) != 1_000 {
		t.Errorf("rollback leaked: %d", bt.ReducibleBalance(testBase, alice))
	}
	if _, err := tx.Commit(); !errors.Is(err, ledger.ErrTxClosed) {
		t.Errorf("commit after rollback: %v", err)
	}
}

func TestTx_InsufficientBalance(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	alice := uuid.New()
	fund(t, bt, alice, 10)

	tx := bt.Begin("evt-3", 3, 0)
	err := tx.Transfer(testBase, alice, ledger.PoolAccountID, 11)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := tx.Burn(testBase, alice, 11); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance on burn, got %v", err)
	}
}

func TestTx_MintBurnIssuance(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	alice := uuid.New()

	tx := bt.Begin("evt-4", 4, 0)
	if err := tx.Mint(testVoucher, alice, 990); err != nil {
		t.Fatal(err)
	}
	if err := tx.Burn(testVoucher, alice, 90); err != nil {
		t.Fatal(err)
	}
	if tx.TotalIssuance(testVoucher) != 900 {
		t.Errorf("staged issuance: %d", tx.TotalIssuance(testVoucher))
	}
	if _, err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if bt.TotalIssuance(testVoucher) != 900 {
		t.Errorf("issuance: got %d, want 900", bt.TotalIssuance(testVoucher))
	}
}

func TestTx_AmountOutOfRange(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	tx := bt.Begin("evt-5", 5, 0)
	if err := tx.Mint(testBase, uuid.New(), ^uint64(0)); !errors.Is(err, ledger.ErrAmountOutOfRange) {
		t.Errorf("expected ErrAmountOutOfRange, got %v", err)
	}
}

func TestTx_EmptyCommitReturnsNilBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	tx := bt.Begin("evt-6", 6, 0)
	if err := tx.Transfer(testBase, uuid.New(), uuid.New(), 0); err != nil {
		t.Fatalf("zero transfer should be a no-op: %v", err)
	}
	batch, err := tx.Commit()
	if err != nil || batch != nil {
		t.Errorf("expected nil batch, got %v %v", batch, err)
	}
}

func TestTx_DeterministicIDs(t *testing.T) {
	run := func() *ledger.Batch {
		bt := ledger.NewBalanceTracker()
		who := uuid.MustParse("11111111-1111-1111-1111-111111111111")
		tx := bt.Begin("evt-7", 7, 42)
		_ = tx.Mint(testBase, who, 5)
		b, _ := tx.Commit()
		return b
	}
	a, b := run(), run()
	if a.BatchID != b.BatchID || a.Journals[0].JournalID != b.Journals[0].JournalID {
		t.Error("journal ids must be reproducible")
	}
}

// ============================================================================
// Test: Invariants
// ============================================================================

func TestInvariantValidator_ZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	alice, bob := uuid.New(), uuid.New()
	fund(t, bt, alice, 1_000)

	tx := bt.Begin("evt-8", 8, 0)
	_ = tx.Transfer(testBase, alice, bob, 250)
	_ = tx.Transfer(testBase, bob, ledger.PoolAccountID, 100)
	if _, err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	v := ledger.NewInvariantValidator(bt)
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}
	if err := v.ValidateHoldersNonNegative(); err != nil {
		t.Errorf("holders: %v", err)
	}
}

func TestInvariantValidator_DetectsNegativeHolder(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.Restore(map[ledger.AccountKey]int64{
		ledger.NewUserAccountKey(uuid.New(), testBase):                         -5,
		ledger.NewExternalAccountKey(ledger.SubTypeExternalIssuance, testBase): 5,
	})
	v := ledger.NewInvariantValidator(bt)
	if err := v.ValidateHoldersNonNegative(); err == nil {
		t.Error("expected negative holder to be flagged")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID:  uuid.New(),
		Journals: []ledger.Journal{},
	}

	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_ZeroAmount_Fails(t *testing.T) {
	batchID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.NewUserAccountKey(uuid.New(), testBase),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalIssuance, testBase),
				AssetID:       testBase,
				Amount:        0,
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("zero amount should fail validation")
	}
}

func TestBatchValidate_MixedAssets_Fails(t *testing.T) {
	batchID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.NewUserAccountKey(uuid.New(), testBase),
				CreditAccount: ledger.NewPoolAccountKey(testVoucher),
				AssetID:       testBase,
				Amount:        1,
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("mixed-asset journal should fail validation")
	}
}
