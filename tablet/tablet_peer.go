// Copyright 2023 The TabletDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package tablet

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"
	"github.com/tabletdb/tabletdb/common/hlc"
	"github.com/tabletdb/tabletdb/consensus"
	apierrors "github.com/tabletdb/tabletdb/errors"
	"github.com/tabletdb/tabletdb/metrics"
	"github.com/tabletdb/tabletdb/proto"
	"github.com/tabletdb/tabletdb/wal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultLogGCIntervalSec = 60

	shutdownPollInterval = 10 * time.Millisecond
	maxWaitBackoff       = 256 * time.Millisecond
)

type TabletPeerConfig struct {
	TabletID string `json:"tablet_id"`
	// PermanentUUID identifies this server across restarts. Generated when
	// empty.
	PermanentUUID string `json:"permanent_uuid"`
	// LogGCIntervalSec is the period of the background log GC task. Negative
	// disables it.
	LogGCIntervalSec int `json:"log_gc_interval_sec"`

	Tracker  OperationTrackerConfig `json:"operation_tracker"`
	Preparer PreparerConfig         `json:"preparer"`
}

// InitParams carries the collaborators wired into a peer after bootstrap.
type InitParams struct {
	Tablet    Tablet
	Clock     Clock
	Log       Log
	Consensus consensus.Consensus
}

// TabletPeer owns the lifecycle of one tablet replica and routes operations
// between the tablet, its log and the replication layer. The lifecycle state
// is a single atomic word; bulky start and shutdown sequences additionally
// serialize on stateChangeMu.
type TabletPeer struct {
	cfg           TabletPeerConfig
	tabletID      string
	permanentUUID string

	state    int32        // proto.TabletState
	fatalErr atomic.Value // error

	stateChangeMu sync.Mutex

	mu     sync.Mutex
	tablet Tablet
	clock  Clock
	log    Log
	cons   consensus.Consensus

	tracker  *OperationTracker
	preparer *Preparer
	anchors  *wal.AnchorRegistry

	maintenanceDone chan struct{}
	gcGroup         singleflight.Group
	gcWarn          *rate.Limiter
}

func NewTabletPeer(cfg TabletPeerConfig) *TabletPeer {
	if cfg.PermanentUUID == "" {
		cfg.PermanentUUID = uuid.NewString()
	}
	if cfg.LogGCIntervalSec == 0 {
		cfg.LogGCIntervalSec = defaultLogGCIntervalSec
	}
	return &TabletPeer{
		cfg:           cfg,
		tabletID:      cfg.TabletID,
		permanentUUID: cfg.PermanentUUID,
		state:         int32(proto.TabletNotStarted),
		anchors:       wal.NewAnchorRegistry(),
		gcWarn:        rate.NewLimiter(rate.Every(10*time.Minute), 1),
	}
}

func (p *TabletPeer) TabletID() string { return p.tabletID }

func (p *TabletPeer) PermanentUUID() string { return p.permanentUUID }

func (p *TabletPeer) LogAnchorRegistry() *wal.AnchorRegistry { return p.anchors }

func (p *TabletPeer) CurrentState() proto.TabletState {
	return proto.TabletState(atomic.LoadInt32(&p.state))
}

func (p *TabletPeer) updateState(expected, to proto.TabletState) error {
	if !atomic.CompareAndSwapInt32(&p.state, int32(expected), int32(to)) {
		return apierrors.ErrInvalidTabletState
	}
	return nil
}

// SetBootstrapping moves a fresh peer into the bootstrap phase. Replica
// operations are accepted from here on so the bootstrap can replay the log.
func (p *TabletPeer) SetBootstrapping() error {
	return p.updateState(proto.TabletNotStarted, proto.TabletBootstrapping)
}

// Init wires the collaborators produced by bootstrap into the peer and
// installs the memtable flush gate: storage may only flush data whose log
// entries are already durable, otherwise a crash could leave storage ahead of
// the log it replays from.
func (p *TabletPeer) Init(ctx context.Context, params InitParams) error {
	span := trace.SpanFromContextSafe(ctx)

	if s := p.CurrentState(); s != proto.TabletBootstrapping {
		span.Errorf("tablet %s: init in state %s", p.tabletID, s)
		return apierrors.ErrInvalidTabletState
	}
	if params.Tablet == nil || params.Log == nil || params.Consensus == nil {
		return errors.New("tablet peer init is missing a collaborator")
	}
	if params.Clock == nil {
		params.Clock = hlc.NewClock()
	}

	p.mu.Lock()
	p.tablet = params.Tablet
	p.clock = params.Clock
	p.log = params.Log
	p.cons = params.Consensus
	p.tracker = NewOperationTracker(p.cfg.Tracker)
	p.preparer = NewPreparer(p.cfg.Preparer)
	p.mu.Unlock()

	log := params.Log
	params.Tablet.SetMemTableFlushFilterFactory(func() FlushFilter {
		durable := log.GetLatestEntryOpId()
		return func(largestOpId proto.OpId) bool {
			return !largestOpId.Valid() || !durable.Before(largestOpId)
		}
	})

	span.Infof("tablet %s: initialized peer %s", p.tabletID, p.permanentUUID)
	return nil
}

// Start transitions the peer to running and kicks off background
// maintenance.
func (p *TabletPeer) Start(ctx context.Context) error {
	p.stateChangeMu.Lock()
	defer p.stateChangeMu.Unlock()

	if err := p.updateState(proto.TabletBootstrapping, proto.TabletRunning); err != nil {
		return err
	}
	if p.cfg.LogGCIntervalSec > 0 {
		p.maintenanceDone = make(chan struct{})
		go p.maintenanceLoop(p.maintenanceDone)
	}
	trace.SpanFromContextSafe(ctx).Infof("tablet %s: peer running", p.tabletID)
	return nil
}

// StartShutdown begins the shutdown phase. Exactly one caller wins the
// transition and must follow up with CompleteShutdown; everyone else gets
// false and should WaitUntilShutdown.
func (p *TabletPeer) StartShutdown() bool {
	for {
		old := p.CurrentState()
		if old == proto.TabletQuiescing || old == proto.TabletShutdown {
			return false
		}
		if atomic.CompareAndSwapInt32(&p.state, int32(old), int32(proto.TabletQuiescing)) {
			break
		}
	}

	p.stateChangeMu.Lock()
	defer p.stateChangeMu.Unlock()
	if p.maintenanceDone != nil {
		close(p.maintenanceDone)
		p.maintenanceDone = nil
	}
	p.mu.Lock()
	cons := p.cons
	p.mu.Unlock()
	if cons != nil {
		// Stop accepting and committing entries first so the tracker can
		// drain.
		cons.Shutdown()
	}
	return true
}

// CompleteShutdown drains in-flight operations and tears the collaborators
// down. Only the StartShutdown winner may call it.
func (p *TabletPeer) CompleteShutdown(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)

	if p.tracker != nil {
		start := time.Now()
		p.tracker.WaitForAllToFinish()
		if d := time.Since(start); d > time.Second {
			span.Warnf("tablet %s: waited %s for in-flight operations to finish", p.tabletID, d)
		}
	}
	if p.preparer != nil {
		p.preparer.Stop()
	}

	p.mu.Lock()
	if p.log != nil {
		if err := p.log.Close(); err != nil {
			span.Warnf("tablet %s: error closing the log: %s", p.tabletID, err)
		}
		p.log = nil
	}
	if p.tablet != nil {
		p.tablet.Shutdown()
		p.tablet = nil
	}
	p.cons = nil
	p.mu.Unlock()

	if err := p.updateState(proto.TabletQuiescing, proto.TabletShutdown); err != nil {
		fatalf("tablet %s: completing shutdown from state %s", p.tabletID, p.CurrentState())
	}
	span.Infof("tablet %s: peer shut down", p.tabletID)
}

// WaitUntilShutdown blocks until another caller finishes the shutdown.
func (p *TabletPeer) WaitUntilShutdown() {
	for p.CurrentState() != proto.TabletShutdown {
		time.Sleep(shutdownPollInterval)
	}
}

// Shutdown is the all-in-one teardown: the first caller runs the full
// sequence, later callers block until it completes. Safe to call from any
// state and any number of times.
func (p *TabletPeer) Shutdown(ctx context.Context) {
	if p.StartShutdown() {
		p.CompleteShutdown(ctx)
		return
	}
	p.WaitUntilShutdown()
}

// CheckRunning gates every data-path entry point without taking locks.
func (p *TabletPeer) CheckRunning() error {
	if s := p.CurrentState(); s != proto.TabletRunning {
		if s == proto.TabletQuiescing {
			return apierrors.ErrTabletShuttingDown
		}
		return apierrors.ErrTabletNotRunning
	}
	return nil
}

// WaitUntilConsensusRunning polls with exponential backoff until the
// replication layer reports ready. The timeout error is distinguishable from
// the shutdown error so callers can retry one and not the other.
func (p *TabletPeer) WaitUntilConsensusRunning(timeout time.Duration) error {
	start := time.Now()
	backoff := time.Millisecond
	for {
		switch p.CurrentState() {
		case proto.TabletQuiescing, proto.TabletShutdown:
			return apierrors.ErrTabletShuttingDown
		case proto.TabletRunning:
			p.mu.Lock()
			cons := p.cons
			p.mu.Unlock()
			if cons != nil && cons.IsRunning() {
				return nil
			}
		}
		if time.Since(start) > timeout {
			return apierrors.ErrWaitTimedOut
		}
		time.Sleep(backoff)
		if backoff < maxWaitBackoff {
			backoff *= 2
		}
	}
}

// WriteAsync is the client write entry point. The tablet acquires row locks
// asynchronously and hands the operation back through StartExecution; cb
// fires exactly once with the outcome.
func (p *TabletPeer) WriteAsync(ctx context.Context, req *WriteRequest, deadline time.Time, cb CompletionCallback) {
	if err := p.CheckRunning(); err != nil {
		cb(err)
		return
	}
	p.mu.Lock()
	tablet, clock := p.tablet, p.clock
	p.mu.Unlock()

	state := NewOperationState(tablet)
	state.SetCompletionCallback(cb)
	state.SetHybridTime(clock.Now())
	op := NewWriteOperation(state, req, deadline)
	tablet.AcquireLocksAndPerformDocOperations(ctx, op)
}

// StartExecution drives a fully prepared submission (locks held) into the
// replication pipeline. Failures before the entry reaches consensus resolve
// through the operation's completion callback.
func (p *TabletPeer) StartExecution(op Operation) {
	driver, err := p.NewLeaderOperationDriver(op)
	if err != nil {
		op.Aborted(err)
		return
	}
	driver.ExecuteAsync()
}

// Submit replicates op on the leader path, assigning its hybrid time if the
// caller has not.
func (p *TabletPeer) Submit(ctx context.Context, op Operation) error {
	if err := p.CheckRunning(); err != nil {
		op.Aborted(err)
		return err
	}
	p.mu.Lock()
	clock := p.clock
	p.mu.Unlock()
	if !op.State().HybridTime().Valid() {
		op.State().SetHybridTime(clock.Now())
	}
	driver, err := p.NewLeaderOperationDriver(op)
	if err != nil {
		op.Aborted(err)
		return err
	}
	driver.ExecuteAsync()
	return nil
}

// SubmitUpdateTransaction replicates a transaction status change. Only
// meaningful on transaction status tablets.
func (p *TabletPeer) SubmitUpdateTransaction(ctx context.Context, update *TxnUpdate, cb CompletionCallback) error {
	p.mu.Lock()
	tablet := p.tablet
	p.mu.Unlock()
	if tablet != nil && tablet.TableType() != proto.TransactionStatusTableType {
		return errors.Newf("tablet %s does not host transaction statuses", p.tabletID)
	}
	state := NewOperationState(tablet)
	state.SetCompletionCallback(cb)
	return p.Submit(ctx, NewUpdateTxnOperation(state, update))
}

// StartReplicaOperation executes an entry already ordered by the replication
// layer. Accepted while bootstrapping so log replay flows through the same
// pipeline as live traffic.
func (p *TabletPeer) StartReplicaOperation(ctx context.Context, round *consensus.Round, propagatedSafeTime proto.HybridTime) error {
	if s := p.CurrentState(); s != proto.TabletRunning && s != proto.TabletBootstrapping {
		return apierrors.ErrTabletNotRunning
	}
	p.mu.Lock()
	tablet, clock := p.tablet, p.clock
	p.mu.Unlock()

	msg := round.ReplicateMsg()
	op, err := p.CreateOperation(msg)
	if err != nil {
		return err
	}
	opState := op.State()
	opState.SetConsensusRound(round)
	opState.SetHybridTime(msg.HybridTime)
	if id := round.OpId(); id.Valid() {
		opState.SetOpId(id)
	}
	clock.Update(msg.HybridTime)
	if msg.MonotonicCounter > 0 {
		tablet.UpdateMonotonicCounter(msg.MonotonicCounter)
	}

	driver, err := p.NewReplicaOperationDriver(op)
	if err != nil {
		return err
	}
	round.SetReplicatedCallback(driver.ReplicationFinished)
	if propagatedSafeTime.Valid() {
		driver.SetPropagatedSafeTime(propagatedSafeTime, tablet.MvccManager())
	}
	driver.ExecuteAsync()
	return nil
}

// SetPropagatedSafeTime publishes a leader-propagated safe time through an
// operation-less driver so it orders with the preceding entries.
func (p *TabletPeer) SetPropagatedSafeTime(ht proto.HybridTime) {
	driver, err := p.NewReplicaOperationDriver(nil)
	if err != nil {
		trace.SpanFromContextSafe(context.Background()).
			Errorf("tablet %s: failed to set propagated safe time: %s", p.tabletID, err)
		return
	}
	p.mu.Lock()
	tablet := p.tablet
	p.mu.Unlock()
	driver.SetPropagatedSafeTime(ht, tablet.MvccManager())
	driver.ExecuteAsync()
}

// CreateOperation rebuilds an operation from its replicated payload.
func (p *TabletPeer) CreateOperation(msg *consensus.ReplicateMsg) (Operation, error) {
	p.mu.Lock()
	tablet := p.tablet
	p.mu.Unlock()
	state := NewOperationState(tablet)
	state.SetHybridTime(msg.HybridTime)

	switch msg.OpType {
	case proto.WriteOperation:
		req := new(WriteRequest)
		if err := req.Unmarshal(msg.Payload); err != nil {
			return nil, err
		}
		return NewWriteOperation(state, req, time.Time{}), nil
	case proto.AlterSchemaOperation:
		change := new(SchemaChange)
		if err := change.Unmarshal(msg.Payload); err != nil {
			return nil, err
		}
		return NewAlterSchemaOperation(state, change), nil
	case proto.UpdateTransactionOperation:
		update := new(TxnUpdate)
		if err := update.Unmarshal(msg.Payload); err != nil {
			return nil, err
		}
		return NewUpdateTxnOperation(state, update), nil
	case proto.TruncateOperation:
		return NewTruncateOperation(state), nil
	default:
		return nil, errors.Newf("unknown operation type %d", msg.OpType)
	}
}

// NewLeaderOperationDriver builds a driver bound to the current leader term.
func (p *TabletPeer) NewLeaderOperationDriver(op Operation) (*OperationDriver, error) {
	p.mu.Lock()
	cons, tablet := p.cons, p.tablet
	p.mu.Unlock()
	if cons == nil {
		return nil, apierrors.ErrTabletNotRunning
	}
	term := cons.LeaderTerm()
	if term == consensus.UnknownTerm {
		return nil, apierrors.ErrNotLeader
	}
	driver := NewOperationDriver(p.tracker, cons, p.preparer, tablet.MvccManager())
	if err := driver.Init(op, term); err != nil {
		return nil, err
	}
	return driver, nil
}

// NewReplicaOperationDriver builds a driver for an entry the replication
// layer already ordered. op may be nil for safe-time-only drivers.
func (p *TabletPeer) NewReplicaOperationDriver(op Operation) (*OperationDriver, error) {
	p.mu.Lock()
	cons, tablet := p.cons, p.tablet
	p.mu.Unlock()
	if cons == nil || tablet == nil {
		return nil, apierrors.ErrTabletNotRunning
	}
	driver := NewOperationDriver(p.tracker, cons, p.preparer, tablet.MvccManager())
	if err := driver.Init(op, consensus.UnknownTerm); err != nil {
		return nil, err
	}
	return driver, nil
}

// GetEarliestNeededLogIndex folds every retention source into the lowest log
// index that must survive GC. Anything below it is provably unneeded: it is
// applied, flushed, unanchored and behind the committed position.
func (p *TabletPeer) GetEarliestNeededLogIndex() (int64, error) {
	if err := p.CheckRunning(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	log, tablet, cons := p.log, p.tablet, p.cons
	p.mu.Unlock()
	if log == nil || tablet == nil || cons == nil {
		// CompleteShutdown detached the collaborators after the state check.
		return 0, apierrors.ErrTabletNotRunning
	}

	// An idle tablet retains only its tail.
	minIndex := log.GetLatestEntryOpId().Index

	if idx, err := p.anchors.GetEarliestRegisteredLogIndex(); err == nil {
		minIndex = proto.MinInt64(minIndex, idx)
	} else if err != wal.ErrNoLogAnchors {
		return 0, err
	}

	for _, d := range p.tracker.GetPendingOperations() {
		if id := d.GetOpId(); id.Valid() {
			minIndex = proto.MinInt64(minIndex, id.Index)
		}
	}

	// Entries past the storage persistence frontier must be replayable.
	maxPersistent, err := tablet.MaxPersistentOpId()
	if err != nil {
		return 0, err
	}
	if maxPersistent.Valid() {
		minIndex = proto.MinInt64(minIndex, maxPersistent.Index+1)
	} else {
		minIndex = 0
	}

	if tablet.TableType() == proto.TransactionStatusTableType {
		if coord := tablet.TransactionCoordinator(); coord != nil {
			minIndex = proto.MinInt64(minIndex, coord.PrepareGC())
		}
	}

	// Always keep the last committed entry so lagging peers can learn the
	// commit position.
	if committed := cons.GetLastCommittedOpId(); committed.Valid() {
		minIndex = proto.MinInt64(minIndex, committed.Index)
	}

	return minIndex, nil
}

// RunLogGC collapses concurrent invocations: the maintenance loop and manual
// triggers share one computation.
func (p *TabletPeer) RunLogGC(ctx context.Context) error {
	_, err, _ := p.gcGroup.Do("log-gc", func() (interface{}, error) {
		minIndex, err := p.GetEarliestNeededLogIndex()
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		log := p.log
		p.mu.Unlock()
		if log == nil {
			return nil, apierrors.ErrTabletNotRunning
		}
		removed, err := log.GC(ctx, minIndex)
		if err != nil {
			return nil, err
		}
		if removed > 0 {
			metrics.LogGCEntriesRemoved.Add(float64(removed))
			trace.SpanFromContextSafe(ctx).
				Infof("tablet %s: log gc removed %d entries below index %d", p.tabletID, removed, minIndex)
		}
		return nil, nil
	})
	return err
}

// GetMaxIndexesToSegmentSizeMap reports reclaimable segment sizes keyed by
// their last index, for maintenance scheduling.
func (p *TabletPeer) GetMaxIndexesToSegmentSizeMap() (map[int64]int64, error) {
	minIndex, err := p.GetEarliestNeededLogIndex()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	log := p.log
	p.mu.Unlock()
	if log == nil {
		return nil, apierrors.ErrTabletNotRunning
	}
	return log.GetMaxIndexesToSegmentSizeMap(minIndex), nil
}

// GetGCableDataSize reports how many log bytes a GC run would reclaim.
func (p *TabletPeer) GetGCableDataSize() (int64, error) {
	minIndex, err := p.GetEarliestNeededLogIndex()
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	log := p.log
	p.mu.Unlock()
	if log == nil {
		return 0, apierrors.ErrTabletNotRunning
	}
	return log.GetGCableDataSize(minIndex), nil
}

// GetInFlightOperations snapshots the tracked operations for diagnostics.
func (p *TabletPeer) GetInFlightOperations() []proto.OperationStatus {
	if p.tracker == nil {
		return nil
	}
	drivers := p.tracker.GetPendingOperations()
	out := make([]proto.OperationStatus, 0, len(drivers))
	for _, d := range drivers {
		// Safe-time drivers carry no operation and are not interesting to
		// operators.
		if d.operation == nil {
			continue
		}
		out = append(out, d.Status())
	}
	return out
}

// LeaderStatus reports the replication layer's view of this peer's
// leadership.
func (p *TabletPeer) LeaderStatus() consensus.LeaderStatus {
	p.mu.Lock()
	cons := p.cons
	p.mu.Unlock()
	if cons == nil {
		return consensus.NotLeader
	}
	return cons.LeaderStatus()
}

// LastCommittedWriteIndex exposes the storage view of the newest applied
// write, for consistency checks against the log.
func (p *TabletPeer) LastCommittedWriteIndex() (int64, error) {
	if err := p.CheckRunning(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	tablet := p.tablet
	p.mu.Unlock()
	if tablet == nil {
		return 0, apierrors.ErrTabletNotRunning
	}
	return tablet.LastCommittedWriteIndex(), nil
}

// SetFailed marks the peer failed with the fatal error. The state is sticky
// until shutdown.
func (p *TabletPeer) SetFailed(err error) {
	p.fatalErr.Store(err)
	for {
		old := p.CurrentState()
		if old == proto.TabletQuiescing || old == proto.TabletShutdown || old == proto.TabletFailed {
			return
		}
		if atomic.CompareAndSwapInt32(&p.state, int32(old), int32(proto.TabletFailed)) {
			return
		}
	}
}

func (p *TabletPeer) FatalError() error {
	if v := p.fatalErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// HumanReadableState renders the state for operator tooling.
func (p *TabletPeer) HumanReadableState() string {
	s := p.CurrentState()
	if s == proto.TabletFailed {
		return fmt.Sprintf("%s: %s", s, p.FatalError())
	}
	return s.String()
}

func (p *TabletPeer) maintenanceLoop(done chan struct{}) {
	ticker := time.NewTicker(time.Duration(p.cfg.LogGCIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := p.RunLogGC(context.Background()); err != nil && p.gcWarn.Allow() {
				trace.SpanFromContextSafe(context.Background()).
					Warnf("tablet %s: log gc failed: %s", p.tabletID, err)
			}
		}
	}
}
