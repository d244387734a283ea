package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func opID(b byte) [32]byte {
	var id [32]byte
	for i := range id {
		id[i] = b
	}
	return id
}

func TestSQLiteStore_ClientSecret(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	t.Run("LoadMissing", func(t *testing.T) {
		_, err := st.LoadClientSecret(ctx)
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SaveAndLoad", func(t *testing.T) {
		entropy := []byte("0123456789abcdef")
		if err := st.SaveClientSecret(ctx, entropy); err != nil {
			t.Fatalf("failed to save: %v", err)
		}
		got, err := st.LoadClientSecret(ctx)
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}
		if string(got) != string(entropy) {
			t.Errorf("got %x, want %x", got, entropy)
		}
	})

	t.Run("SaveTwiceKeepsFirst", func(t *testing.T) {
		if err := st.SaveClientSecret(ctx, []byte("ffffffffffffffff")); err != ErrAlreadyExists {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}
		got, _ := st.LoadClientSecret(ctx)
		if string(got) != "0123456789abcdef" {
			t.Errorf("secret was overwritten: %q", got)
		}
	})
}

func TestSQLiteStore_SessionConfig(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.LoadSessionConfig(ctx); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	cfg := &SessionConfig{
		FederationID: "fed-abc",
		InviteCode:   "fed11qgq",
		Network:      "regtest",
		JoinedAt:     time.Now().UTC(),
	}
	if err := st.SaveSessionConfig(ctx, cfg); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	got, err := st.LoadSessionConfig(ctx)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if got.FederationID != cfg.FederationID || got.InviteCode != cfg.InviteCode || got.Network != cfg.Network {
		t.Errorf("got %+v, want %+v", got, cfg)
	}

	if err := st.SaveSessionConfig(ctx, cfg); err != ErrAlreadyExists {
		t.Errorf("expected ErrAlreadyExists on second save, got %v", err)
	}
}

func TestSQLiteStore_Operations(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	op := &OperationRecord{
		ID:          opID(1),
		ModuleKind:  "ln",
		Variant:     "pay",
		Internal:    true,
		PaymentHash: opID(2),
		Invoice:     "lnbcrt1...",
		AmountMsat:  21000,
		GatewayID:   "gw-1",
		CreatedAt:   time.Now().UTC(),
	}

	t.Run("InsertAndGet", func(t *testing.T) {
		created, err := st.InsertOperation(ctx, op)
		if err != nil {
			t.Fatalf("failed to insert: %v", err)
		}
		if !created {
			t.Error("expected first insert to create the row")
		}

		got, err := st.GetOperation(ctx, op.ID)
		if err != nil {
			t.Fatalf("failed to get: %v", err)
		}
		if got.ID != op.ID || got.PaymentHash != op.PaymentHash || got.Variant != op.Variant ||
			got.Internal != op.Internal || got.AmountMsat != op.AmountMsat || got.GatewayID != op.GatewayID {
			t.Errorf("got %+v, want %+v", got, op)
		}
	})

	t.Run("InsertExistingIsIgnored", func(t *testing.T) {
		dup := *op
		dup.Internal = false
		created, err := st.InsertOperation(ctx, &dup)
		if err != nil {
			t.Fatalf("failed to insert: %v", err)
		}
		if created {
			t.Error("expected duplicate insert to be ignored")
		}
		got, _ := st.GetOperation(ctx, op.ID)
		if !got.Internal {
			t.Error("existing operation was modified by duplicate insert")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := st.GetOperation(ctx, opID(9))
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSQLiteStore_Updates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	st.InsertOperation(ctx, &OperationRecord{
		ID: opID(1), ModuleKind: "ln", Variant: "receive", PaymentHash: opID(1),
		Invoice: "lnbcrt1", AmountMsat: 1000, CreatedAt: time.Now().UTC(),
	})
	st.InsertOperation(ctx, &OperationRecord{
		ID: opID(2), ModuleKind: "ln", Variant: "receive", PaymentHash: opID(2),
		Invoice: "lnbcrt2", AmountMsat: 1000, CreatedAt: time.Now().UTC(),
	})

	t.Run("AppendAndList", func(t *testing.T) {
		for i, state := range []string{"created", "funded", "claimed"} {
			if err := st.AppendUpdate(ctx, &UpdateRecord{OperationID: opID(1), Seq: int64(i + 1), State: state}); err != nil {
				t.Fatalf("failed to append %s: %v", state, err)
			}
		}
		updates, err := st.ListUpdates(ctx, opID(1))
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}
		if len(updates) != 3 {
			t.Fatalf("expected 3 updates, got %d", len(updates))
		}
		if updates[2].State != "claimed" || updates[2].Seq != 3 {
			t.Errorf("unexpected last update %+v", updates[2])
		}
	})

	t.Run("DuplicateSeqIgnored", func(t *testing.T) {
		if err := st.AppendUpdate(ctx, &UpdateRecord{OperationID: opID(1), Seq: 2, State: "canceled"}); err != nil {
			t.Fatalf("failed to append: %v", err)
		}
		updates, _ := st.ListUpdates(ctx, opID(1))
		if len(updates) != 3 || updates[1].State != "funded" {
			t.Errorf("duplicate seq replaced existing update: %+v", updates[1])
		}
	})

	t.Run("UnknownOperation", func(t *testing.T) {
		err := st.AppendUpdate(ctx, &UpdateRecord{OperationID: opID(7), Seq: 1, State: "created"})
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListWithoutState", func(t *testing.T) {
		pending, err := st.ListOperationsWithoutState(ctx, []string{"claimed", "canceled"})
		if err != nil {
			t.Fatalf("failed to list: %v", err)
		}
		if len(pending) != 1 || pending[0].ID != opID(2) {
			t.Errorf("expected only operation 2 to be pending, got %d operations", len(pending))
		}
	})
}

func TestSQLiteStore_Balance(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	add := func(id byte, variant string, amount uint64, states ...string) {
		st.InsertOperation(ctx, &OperationRecord{
			ID: opID(id), ModuleKind: "ln", Variant: variant, PaymentHash: opID(id),
			Invoice: "lnbcrt", AmountMsat: amount, CreatedAt: now,
		})
		for i, state := range states {
			var fee uint64
			if state == "success" {
				fee = 10
			}
			st.AppendUpdate(ctx, &UpdateRecord{OperationID: opID(id), Seq: int64(i + 1), State: state, FeeMsat: fee})
		}
	}

	add(1, "receive", 5000, "created", "claimed")
	add(2, "receive", 7000, "created", "canceled")
	add(3, "pay", 1000, "created", "success")
	add(4, "pay", 500, "created", "refunded")
	add(5, "pay", 200, "created")

	sums, err := st.Balance(ctx, "claimed", []string{"refunded", "canceled"})
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if sums.ReceivedMsat != 5000 {
		t.Errorf("expected 5000 received, got %d", sums.ReceivedMsat)
	}
	if sums.SpentMsat != 1200 {
		t.Errorf("expected 1200 spent (success + in flight), got %d", sums.SpentMsat)
	}
	if sums.FeesMsat != 10 {
		t.Errorf("expected 10 fees, got %d", sums.FeesMsat)
	}
}

func TestSQLiteStore_GetStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	t.Run("empty database", func(t *testing.T) {
		stats, err := st.GetStats(ctx)
		if err != nil {
			t.Fatalf("GetStats failed: %v", err)
		}
		if stats.TotalOperations != 0 {
			t.Errorf("expected 0 operations, got %d", stats.TotalOperations)
		}
	})

	t.Run("with operations", func(t *testing.T) {
		st.InsertOperation(ctx, &OperationRecord{
			ID: opID(1), ModuleKind: "ln", Variant: "receive", PaymentHash: opID(1),
			Invoice: "lnbcrt", AmountMsat: 1, CreatedAt: time.Now().UTC().Add(-time.Hour),
		})
		st.InsertOperation(ctx, &OperationRecord{
			ID: opID(2), ModuleKind: "ln", Variant: "pay", PaymentHash: opID(2),
			Invoice: "lnbcrt", AmountMsat: 1, CreatedAt: time.Now().UTC(),
		})
		st.AppendUpdate(ctx, &UpdateRecord{OperationID: opID(1), Seq: 1, State: "created"})
		st.AppendUpdate(ctx, &UpdateRecord{OperationID: opID(1), Seq: 2, State: "claimed"})

		stats, err := st.GetStats(ctx)
		if err != nil {
			t.Fatalf("GetStats failed: %v", err)
		}
		if stats.TotalOperations != 2 || stats.Receives != 1 || stats.Pays != 1 {
			t.Errorf("unexpected counts: %+v", stats)
		}
		if stats.ByState["receive/claimed"] != 1 {
			t.Errorf("expected receive/claimed = 1, got %v", stats.ByState)
		}
		if stats.ByState["pay/none"] != 1 {
			t.Errorf("expected pay/none = 1, got %v", stats.ByState)
		}
		if stats.Oldest.IsZero() || stats.Newest.IsZero() {
			t.Error("expected Oldest and Newest to be set")
		}
	})
}

func TestSQLiteStore_Snapshot(t *testing.T) {
	dir := t.TempDir()
	st, err := NewSQLiteStore(filepath.Join(dir, "source.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.SaveClientSecret(ctx, []byte("0123456789abcdef")); err != nil {
		t.Fatalf("failed to save secret: %v", err)
	}

	snapPath := filepath.Join(dir, "snapshot.db")
	if err := st.Snapshot(ctx, snapPath); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if _, err := os.Stat(snapPath); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}

	restored, err := NewSQLiteStore(snapPath)
	if err != nil {
		t.Fatalf("failed to open snapshot: %v", err)
	}
	defer restored.Close()

	got, err := restored.LoadClientSecret(ctx)
	if err != nil {
		t.Fatalf("failed to load secret from snapshot: %v", err)
	}
	if string(got) != "0123456789abcdef" {
		t.Errorf("snapshot secret = %q", got)
	}
}
