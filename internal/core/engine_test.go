package core

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"LevVault/internal/commitment"
	"LevVault/internal/fixedpoint"
	"LevVault/internal/vault"
)

var (
	testAdmin = mustAddr("0x01")
	testAlice = mustAddr("0x02")
)

func mustAddr(s string) vault.Address {
	a, err := vault.AddressFromHex(s)
	if err != nil {
		panic(err)
	}
	return a
}

func testSecret(b byte) commitment.Secret {
	var s commitment.Secret
	s[0] = b
	return s
}

// liveSequence and liveStateHash read engine internals through the run
// loop so tests stay race-free.
func liveSequence(t *testing.T, e *Engine) int64 {
	t.Helper()
	var seq int64
	if err := e.Query(context.Background(), func(*vault.Vault) error {
		seq = e.GetSequence()
		return nil
	}); err != nil {
		t.Fatalf("query sequence: %v", err)
	}
	return seq
}

func liveStateHash(t *testing.T, e *Engine) [32]byte {
	t.Helper()
	var hash [32]byte
	if err := e.Query(context.Background(), func(*vault.Vault) error {
		hash = e.GetStateHash()
		return nil
	}); err != nil {
		t.Fatalf("query state hash: %v", err)
	}
	return hash
}

func startEngine(t *testing.T) (*Engine, <-chan Output, context.CancelFunc) {
	t.Helper()

	persistChan := make(chan Output, 256)
	publishChan := make(chan Output, 256)
	engine := NewEngine(0, persistChan, publishChan, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)
	t.Cleanup(cancel)

	return engine, persistChan, cancel
}

func submitBootstrap(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()

	if err := e.Submit(ctx, &Initialize{From: testAdmin, Admin: testAdmin, Liquidity: 1_000_000}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := e.Submit(ctx, &AddMarket{From: testAdmin, Market: vault.Market{
		ID:             1,
		MaxTotalLongs:  10_000_000,
		MaxTotalShorts: 10_000_000,
		MaxLeverage:    20,
		OpenFeeRate:    fixedpoint.Scale / 100,
	}}); err != nil {
		t.Fatalf("AddMarket: %v", err)
	}
}

func TestSubmitAppliesAndEmits(t *testing.T) {
	engine, persistChan, _ := startEngine(t)
	submitBootstrap(t, engine)

	var records []*Record
	for len(records) < 2 {
		select {
		case out := <-persistChan:
			records = append(records, out.Record)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for persist outputs")
		}
	}

	if records[0].Sequence != 0 || records[1].Sequence != 1 {
		t.Errorf("sequences = (%d, %d), want (0, 1)", records[0].Sequence, records[1].Sequence)
	}
	if records[0].CallType != CallTypeInitialize {
		t.Errorf("first record type = %s, want Initialize", records[0].CallType)
	}

	// Hash chain: each record links to its predecessor.
	if records[1].PrevHash != records[0].StateHash {
		t.Error("record 1 prev hash does not match record 0 state hash")
	}
	if records[0].StateHash == records[0].PrevHash {
		t.Error("state hash equals prev hash")
	}

	// Payload round-trips through the parser.
	call, err := ParseCall(records[0].CallType, records[0].Payload)
	if err != nil {
		t.Fatalf("ParseCall: %v", err)
	}
	init, ok := call.(*Initialize)
	if !ok {
		t.Fatalf("parsed call type %T, want *Initialize", call)
	}
	if init.Liquidity != 1_000_000 {
		t.Errorf("parsed liquidity = %d, want 1000000", init.Liquidity)
	}
}

func TestRejectedCallEmitsNothing(t *testing.T) {
	engine, persistChan, _ := startEngine(t)
	submitBootstrap(t, engine)

	// Drain the two bootstrap records.
	<-persistChan
	<-persistChan

	err := engine.Submit(context.Background(), &AddMarket{From: testAlice, Market: vault.Market{ID: 2, MaxLeverage: 5}})
	if !errors.Is(err, vault.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}

	select {
	case out := <-persistChan:
		t.Fatalf("rejected call emitted record seq=%d", out.Record.Sequence)
	case <-time.After(50 * time.Millisecond):
	}
	if seq := liveSequence(t, engine); seq != 2 {
		t.Errorf("sequence advanced on rejection: %d", seq)
	}
}

func TestQuerySeesAppliedState(t *testing.T) {
	engine, _, _ := startEngine(t)
	submitBootstrap(t, engine)

	var liquidity int64
	err := engine.Query(context.Background(), func(v *vault.Vault) error {
		liquidity = v.Liquidity()
		return nil
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if liquidity != 1_000_000 {
		t.Errorf("liquidity = %d, want 1000000", liquidity)
	}

	queryErr := errors.New("probe")
	if err := engine.Query(context.Background(), func(*vault.Vault) error { return queryErr }); !errors.Is(err, queryErr) {
		t.Errorf("query error not propagated: %v", err)
	}
}

func TestSubmitRespectsContext(t *testing.T) {
	persistChan := make(chan Output, 1)
	publishChan := make(chan Output, 1)
	engine := NewEngine(0, persistChan, publishChan, nil)
	// Engine not running: Submit must fail via context instead of hanging.

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := engine.Submit(ctx, &Initialize{From: testAdmin, Admin: testAdmin, Liquidity: 1})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
}

func TestCommitRevealThroughEngine(t *testing.T) {
	engine, _, _ := startEngine(t)
	submitBootstrap(t, engine)
	ctx := context.Background()

	s := testSecret(1)
	open := &OpenPosition{
		From:        testAlice,
		Collateral:  10_000,
		MarketID:    1,
		MarketPrice: 1_000,
		PosType:     vault.Long,
		Leverage:    10,
		Owner:       testAlice,
		SecretHash:  commitment.HashSecret(s),
	}
	if err := engine.Submit(ctx, open); err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if err := engine.Submit(ctx, &ResolveOpenPosition{From: testAlice, Secret: s, At: 100}); err != nil {
		t.Fatalf("ResolveOpenPosition: %v", err)
	}

	var pos vault.Position
	err := engine.Query(ctx, func(v *vault.Vault) error {
		p, err := v.Position(testAlice, 1)
		if err != nil {
			return err
		}
		pos = p
		return nil
	})
	if err != nil {
		t.Fatalf("Query position: %v", err)
	}
	if pos.OpenedAt != 100 {
		t.Errorf("opened at = %d, want 100", pos.OpenedAt)
	}

	if err := engine.Submit(ctx, &ClosePosition{
		From: testAlice, Owner: testAlice, PositionID: 1, ClosePrice: 1_100, At: 100,
	}); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
}

func TestIntegrityFaultDoesNotStopEngine(t *testing.T) {
	engine, persistChan, _ := startEngine(t)
	submitBootstrap(t, engine)
	ctx := context.Background()

	s := testSecret(4)
	if err := engine.Submit(ctx, &OpenPosition{
		From: testAlice, Collateral: 10_000, MarketID: 1, MarketPrice: 1_000,
		PosType: vault.Long, Leverage: 10, Owner: testAlice,
		SecretHash: commitment.HashSecret(s),
	}); err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if err := engine.Submit(ctx, &ResolveOpenPosition{From: testAlice, Secret: s, At: 0}); err != nil {
		t.Fatalf("ResolveOpenPosition: %v", err)
	}

	// Drain the four applied records so emission checks below are clean.
	for i := 0; i < 4; i++ {
		<-persistChan
	}

	// A 3x move pays out more than the reserved notional: the vault refuses
	// with an insolvency fault and the engine returns it like any other.
	err := engine.Submit(ctx, &ClosePosition{
		From: testAlice, Owner: testAlice, PositionID: 1, ClosePrice: 3_000, At: 0,
	})
	if !errors.Is(err, vault.ErrInsolvency) {
		t.Fatalf("want ErrInsolvency, got %v", err)
	}
	if !vault.IsIntegrityFault(err) {
		t.Error("insolvency not classified as integrity fault")
	}

	// An absurd close price overflows the PnL arithmetic; also a plain fault.
	err = engine.Submit(ctx, &ClosePosition{
		From: testAlice, Owner: testAlice, PositionID: 1, ClosePrice: 1 << 62, At: 0,
	})
	if !errors.Is(err, fixedpoint.ErrOverflow) {
		t.Fatalf("want overflow fault, got %v", err)
	}

	// Nothing was emitted and the sequence did not advance.
	select {
	case out := <-persistChan:
		t.Fatalf("rejected call emitted record seq=%d", out.Record.Sequence)
	case <-time.After(50 * time.Millisecond):
	}
	if seq := liveSequence(t, engine); seq != 4 {
		t.Errorf("sequence = %d after rejected closes, want 4", seq)
	}

	// The engine keeps serving and the position is untouched.
	var liquidity int64
	var pos vault.Position
	if err := engine.Query(ctx, func(v *vault.Vault) error {
		liquidity = v.Liquidity()
		p, err := v.Position(testAlice, 1)
		if err != nil {
			return err
		}
		pos = p
		return nil
	}); err != nil {
		t.Fatalf("Query after integrity fault: %v", err)
	}
	if liquidity != 900_000 {
		t.Errorf("liquidity = %d, want 900000", liquidity)
	}
	if pos.InitialCollateral != 10_000 {
		t.Errorf("position mutated by rejected close: %+v", pos)
	}

	// A well-formed close still settles.
	if err := engine.Submit(ctx, &ClosePosition{
		From: testAlice, Owner: testAlice, PositionID: 1, ClosePrice: 1_100, At: 0,
	}); err != nil {
		t.Fatalf("ClosePosition after integrity faults: %v", err)
	}
}

func TestReplayMatchesLiveHashChain(t *testing.T) {
	live, persistChan, _ := startEngine(t)
	submitBootstrap(t, live)

	s := testSecret(2)
	calls := []Call{
		&OpenPosition{
			From: testAlice, Collateral: 10_000, MarketID: 1, MarketPrice: 1_000,
			PosType: vault.Long, Leverage: 10, Owner: testAlice,
			SecretHash: commitment.HashSecret(s),
		},
		&ResolveOpenPosition{From: testAlice, Secret: s, At: 50},
	}
	for _, c := range calls {
		if err := live.Submit(context.Background(), c); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	// Collect the emitted log.
	var records []*Record
	for len(records) < 4 {
		records = append(records, (<-persistChan).Record)
	}

	// Replay the log into a fresh engine.
	replayed := NewEngine(0, make(chan Output, 1), make(chan Output, 1), nil)
	for _, rec := range records {
		call, err := ParseCall(rec.CallType, rec.Payload)
		if err != nil {
			t.Fatalf("ParseCall seq=%d: %v", rec.Sequence, err)
		}
		if err := replayed.Replay(call); err != nil {
			t.Fatalf("Replay seq=%d: %v", rec.Sequence, err)
		}
	}

	if liveSeq := liveSequence(t, live); replayed.GetSequence() != liveSeq {
		t.Errorf("replayed sequence = %d, live = %d", replayed.GetSequence(), liveSeq)
	}
	if replayed.GetStateHash() != liveStateHash(t, live) {
		t.Error("replayed hash chain tip differs from live engine")
	}
}

func TestSnapshotRestoreContinuesChain(t *testing.T) {
	engine, _, _ := startEngine(t)
	submitBootstrap(t, engine)
	ctx := context.Background()

	snap, err := engine.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Sequence != 1 {
		t.Errorf("snapshot sequence = %d, want 1", snap.Sequence)
	}

	restored := NewEngine(0, make(chan Output, 16), make(chan Output, 16), nil)
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}
	if restored.GetSequence() != 2 {
		t.Errorf("restored next sequence = %d, want 2", restored.GetSequence())
	}
	if restored.GetStateHash() != liveStateHash(t, engine) {
		t.Error("restored hash tip differs")
	}

	// Apply the same next call to both engines: digests must stay equal.
	next := &AddMarket{From: testAdmin, Market: vault.Market{
		ID: 2, MaxTotalLongs: 1_000, MaxTotalShorts: 1_000, MaxLeverage: 5,
	}}
	if err := engine.Submit(ctx, next); err != nil {
		t.Fatalf("live submit: %v", err)
	}
	if err := restored.Replay(next); err != nil {
		t.Fatalf("restored replay: %v", err)
	}
	if restored.GetStateHash() != liveStateHash(t, engine) {
		t.Error("hash chains diverged after identical call")
	}

	var liveDigest, restoredDigest []byte
	engine.Query(ctx, func(v *vault.Vault) error {
		liveDigest = v.DigestBytes()
		return nil
	})
	restoredDigest = restoredVaultDigest(restored)
	if !bytes.Equal(liveDigest, restoredDigest) {
		t.Error("vault digests diverged after identical call")
	}
}

// restoredVaultDigest reads the digest from an engine that is not running
// its loop. Safe because nothing else touches it.
func restoredVaultDigest(e *Engine) []byte {
	return e.vault.DigestBytes()
}

func TestParseCallTypeRoundTrip(t *testing.T) {
	types := []CallType{
		CallTypeInitialize,
		CallTypeAddMarket,
		CallTypeOpenPosition,
		CallTypeResolveOpenPosition,
		CallTypeClosePosition,
	}
	for _, ct := range types {
		parsed, err := ParseCallType(ct.String())
		if err != nil {
			t.Errorf("ParseCallType(%s): %v", ct, err)
			continue
		}
		if parsed != ct {
			t.Errorf("ParseCallType(%s) = %v, want %v", ct, parsed, ct)
		}
	}
	if _, err := ParseCallType("Nonsense"); err == nil {
		t.Error("ParseCallType accepted unknown name")
	}
}
