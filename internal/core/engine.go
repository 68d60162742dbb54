package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"LevVault/internal/observability"
	"LevVault/internal/vault"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Record is the durable log entry for one applied call.
type Record struct {
	// RecordID identifies the row in the call log
	RecordID uuid.UUID

	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Call type discriminator
	CallType CallType

	// Identity the call executed as
	Caller vault.Address

	// JSON-encoded call payload
	Payload []byte

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// SHA-256 of state AFTER applying this call
	StateHash [32]byte

	// Previous call's state hash (chain integrity)
	PrevHash [32]byte
}

// Output carries one applied record to the persistence and publish workers.
type Output struct {
	Record *Record
}

type submitReq struct {
	call  Call
	reply chan error
}

type queryReq struct {
	fn    func(*vault.Vault) error
	reply chan error
}

// Engine is the single-threaded call processor. All vault access, mutating
// or reading, is serialized through its run loop, so the vault itself needs
// no locking and every call observes a consistent state.
type Engine struct {
	sequence int64
	hasher   *StateHasher
	vault    *vault.Vault
	metrics  *observability.Metrics
	log      zerolog.Logger

	persistChan chan<- Output
	publishChan chan<- Output

	submits chan submitReq
	queries chan queryReq
}

func NewEngine(
	startSequence int64,
	persistChan, publishChan chan<- Output,
	metrics *observability.Metrics,
) *Engine {
	return &Engine{
		sequence:    startSequence,
		hasher:      NewStateHasher(),
		vault:       vault.New(),
		metrics:     metrics,
		log:         observability.NewLogger("engine"),
		persistChan: persistChan,
		publishChan: publishChan,
		submits:     make(chan submitReq),
		queries:     make(chan queryReq),
	}
}

// Run drives the engine loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.submits:
			req.reply <- e.processCall(req.call, true)
		case req := <-e.queries:
			req.reply <- req.fn(e.vault)
		}
	}
}

// Submit applies a mutating call and waits for the result. The call either
// fully applies, is logged, and advances the hash chain, or fails with a
// fault and changes nothing.
func (e *Engine) Submit(ctx context.Context, call Call) error {
	req := submitReq{call: call, reply: make(chan error, 1)}
	select {
	case e.submits <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query runs fn against the vault inside the engine loop. fn must not
// retain references to vault state past its return.
func (e *Engine) Query(ctx context.Context, fn func(*vault.Vault) error) error {
	req := queryReq{fn: fn, reply: make(chan error, 1)}
	select {
	case e.queries <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Replay re-applies a logged call during startup without re-emitting it.
// The log row already exists; only the in-memory state and hash chain move.
func (e *Engine) Replay(call Call) error {
	return e.processCall(call, false)
}

// processCall is the main processing pipeline. Runs only on the engine
// goroutine (or single-threaded during startup replay).
func (e *Engine) processCall(call Call, emit bool) error {
	start := time.Now()
	callType := call.CallType().String()

	// Step 1: encode the payload before dispatch so an applied call can
	// always be logged
	payload, err := EncodeCall(call)
	if err != nil {
		return err
	}

	// Step 2: dispatch to the vault. Every fault aborts the call with no
	// partial state; integrity faults additionally get an error-level log
	// because they mean the vault refused to pay out or the arithmetic left
	// the int64 domain.
	if err := e.dispatchCall(call); err != nil {
		if vault.IsIntegrityFault(err) {
			e.log.Error().Err(err).Str("call_type", callType).Msg("integrity fault")
		}
		if e.metrics != nil {
			e.metrics.CallsRejected.WithLabelValues(callType, faultLabel(err)).Inc()
		}
		return err
	}

	// Step 3: state digest and hash chain
	stateDigest := e.vault.DigestBytes()
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, stateDigest)

	record := &Record{
		RecordID:  uuid.New(),
		Sequence:  e.sequence,
		CallType:  call.CallType(),
		Caller:    call.Caller(),
		Payload:   payload,
		Timestamp: call.Timestamp(),
		StateHash: stateHash,
		PrevHash:  prevHash,
	}
	e.sequence++

	// Step 4: emit. Persistence uses a BLOCKING send (backpressure): the
	// engine stalls until the persistence worker drains, so no applied
	// call is ever lost. Publish uses a NON-BLOCKING send with drop;
	// subscribers can rebuild from the call log if they fall behind.
	if emit {
		output := Output{Record: record}
		e.persistChan <- output

		select {
		case e.publishChan <- output:
		default:
		}
	}

	if e.metrics != nil {
		e.metrics.CallsApplied.WithLabelValues(callType).Inc()
		e.metrics.CallDuration.WithLabelValues(callType).Observe(time.Since(start).Seconds())
		e.metrics.EngineSequence.Set(float64(e.sequence))
		e.metrics.VaultLiquidity.Set(float64(e.vault.Liquidity()))
		e.metrics.PendingCommitments.Set(float64(e.vault.PendingCount()))
		e.metrics.PositionsOpen.Set(float64(e.vault.OpenCount()))
		for _, m := range e.vault.Markets() {
			id := strconv.FormatUint(m.ID, 10)
			e.metrics.MarketExposure.WithLabelValues(id, "long").Set(float64(m.TotalLongs))
			e.metrics.MarketExposure.WithLabelValues(id, "short").Set(float64(m.TotalShorts))
		}
	}

	return nil
}

func (e *Engine) dispatchCall(call Call) error {
	switch c := call.(type) {
	case *Initialize:
		return e.vault.Initialize(c.Admin, c.Liquidity)
	case *AddMarket:
		return e.vault.AddMarket(c.From, c.Market)
	case *OpenPosition:
		_, err := e.vault.OpenPosition(
			c.Collateral, c.MarketID, c.MarketPrice, c.PosType, c.Leverage, c.Owner, c.SecretHash)
		return err
	case *ResolveOpenPosition:
		_, err := e.vault.ResolveOpenPosition(c.Secret, c.At)
		return err
	case *ClosePosition:
		var marketID uint64
		if p, perr := e.vault.Position(c.Owner, c.PositionID); perr == nil {
			marketID = p.MarketID
		}
		ev, err := e.vault.ClosePosition(c.From, c.Owner, c.PositionID, c.ClosePrice, c.At)
		if err == nil && c.From != c.Owner && ev.Liquidatable && e.metrics != nil {
			e.metrics.Liquidations.WithLabelValues(strconv.FormatUint(marketID, 10)).Inc()
		}
		return err
	default:
		return fmt.Errorf("unknown call type: %T", call)
	}
}

// faultLabel maps a fault to a stable metric label.
func faultLabel(err error) string {
	switch {
	case errors.Is(err, vault.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, vault.ErrMarketNotFound), errors.Is(err, vault.ErrPositionNotFound):
		return "not_found"
	case errors.Is(err, vault.ErrDuplicateMarket), errors.Is(err, vault.ErrDuplicateCommitment):
		return "duplicate"
	case errors.Is(err, vault.ErrUnknownCommitment):
		return "unknown_commitment"
	case errors.Is(err, vault.ErrInvalidLeverage):
		return "invalid_leverage"
	case errors.Is(err, vault.ErrExposureCapExceeded):
		return "exposure_cap"
	case errors.Is(err, vault.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, vault.ErrAlreadyInitialized), errors.Is(err, vault.ErrNotInitialized):
		return "lifecycle"
	case errors.Is(err, vault.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, vault.ErrInsolvency):
		return "insolvency"
	case errors.Is(err, vault.ErrArithmeticOverflow):
		return "overflow"
	default:
		return "internal"
	}
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence  int64
	StateHash [32]byte
	Vault     vault.Snapshot
}

// RestoreFromSnapshot restores the engine's in-memory state. Must run
// before Run starts; on warm restart, load the latest snapshot then replay
// logged calls past its sequence.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := e.vault.Restore(snap.Vault); err != nil {
		return err
	}
	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)
	return nil
}

// CreateSnapshotState captures the current in-memory state for persistence.
// Safe only from the engine goroutine; external callers go through Query.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:  e.sequence - 1,
		StateHash: e.hasher.GetPrevHash(),
		Vault:     e.vault.Snapshot(),
	}
}

// Snapshot captures a snapshot through the engine loop, serialized against
// in-flight calls.
func (e *Engine) Snapshot(ctx context.Context) (*SnapshotState, error) {
	var snap *SnapshotState
	err := e.Query(ctx, func(*vault.Vault) error {
		snap = e.CreateSnapshotState()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// GetSequence returns the next sequence the engine will assign.
func (e *Engine) GetSequence() int64 {
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	return e.hasher.GetPrevHash()
}
