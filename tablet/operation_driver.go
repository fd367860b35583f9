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
	"github.com/tabletdb/tabletdb/consensus"
	apierrors "github.com/tabletdb/tabletdb/errors"
	"github.com/tabletdb/tabletdb/metrics"
	"github.com/tabletdb/tabletdb/proto"
)

// ReplicationState tracks the consensus signal of one driver.
type ReplicationState int32

const (
	// NotReplicating: the entry has not been handed to consensus yet.
	NotReplicating ReplicationState = iota
	// Replicating: consensus owns the entry; the outcome is pending.
	Replicating
	// Replicated: a quorum durably accepted the entry.
	Replicated
	// ReplicationFailed: consensus rejected the entry before it could commit.
	ReplicationFailed
)

// PrepareState tracks the local prepare signal of one driver.
type PrepareState int32

const (
	NotPrepared PrepareState = iota
	Prepared
)

// OperationDriver coordinates one operation through prepare and replication.
// The operation is applied exactly once, at the instant both signals have
// fired, regardless of which fires first. Any failure observed after the
// entry replicated is unrecoverable: the entry is durable on a quorum, so the
// process aborts rather than diverge from the log.
type OperationDriver struct {
	tracker  *OperationTracker
	cons     consensus.Consensus
	preparer *Preparer
	mvcc     MvccManager

	mu               sync.Mutex
	replicationState ReplicationState
	prepareState     PrepareState
	started          bool
	abortOnce        sync.Once

	// prepared is closed exactly once, when prepareState flips to Prepared.
	// ReplicationFinished blocks on it when consensus wins the race.
	prepared chan struct{}

	opID atomic.Value // proto.OpId

	operation          Operation
	round              *consensus.Round
	propagatedSafeTime proto.HybridTime

	startTime time.Time
	span      trace.Span
}

// NewOperationDriver builds a driver around its collaborators. Call Init
// before ExecuteAsync.
func NewOperationDriver(tracker *OperationTracker, cons consensus.Consensus, preparer *Preparer, mvcc MvccManager) *OperationDriver {
	span, _ := trace.StartSpanFromContext(context.Background(), "operation")
	return &OperationDriver{
		tracker:   tracker,
		cons:      cons,
		preparer:  preparer,
		mvcc:      mvcc,
		prepared:  make(chan struct{}),
		startTime: time.Now(),
		span:      span,
	}
}

// Init registers the driver with the tracker and, on the leader path, builds
// the consensus round for the operation. term == consensus.UnknownTerm means
// the replica path: the entry is already ordered and replicating, and its
// round is attached by the caller. operation may be nil on the replica path
// for safe-time-only drivers.
func (d *OperationDriver) Init(operation Operation, term int64) error {
	d.operation = operation

	if term == consensus.UnknownTerm {
		if operation != nil {
			if id := operation.State().OpId(); id.Valid() {
				d.opID.Store(id)
			}
		}
		d.mu.Lock()
		d.replicationState = Replicating
		d.mu.Unlock()
	} else {
		msg, err := operation.NewReplicateMsg()
		if err != nil {
			return err
		}
		round := d.cons.NewRound(msg, d.ReplicationFinished)
		if err := round.BindToTerm(term); err != nil {
			return err
		}
		round.SetAppendCallback(d.HandleConsensusAppend)
		operation.State().SetConsensusRound(round)
		d.round = round
	}

	return d.tracker.Add(d)
}

// GetOpId returns the assigned log position, or the zero OpId before
// assignment.
func (d *OperationDriver) GetOpId() proto.OpId {
	v := d.opID.Load()
	if v == nil {
		return proto.OpId{}
	}
	return v.(proto.OpId)
}

func (d *OperationDriver) OperationType() proto.OperationType {
	if d.operation == nil {
		return proto.UnknownOperation
	}
	return d.operation.OperationType()
}

// ExecuteAsync hands the driver to the preparer pool. A submission failure is
// a pre-replication failure and aborts the operation.
func (d *OperationDriver) ExecuteAsync() {
	if err := d.preparer.Submit(d); err != nil {
		d.HandleFailure(err)
	}
}

// HandleConsensusAppend runs when the entry becomes durable in the local log
// and carries the assigned position. On the replica path this is the point
// the operation becomes eligible to start.
func (d *OperationDriver) HandleConsensusAppend(opID, committedOpID proto.OpId) {
	d.mu.Lock()
	if d.GetOpId().Valid() {
		d.mu.Unlock()
		fatalf("operation %s already has a log position, second append at %s", d, opID)
		return
	}
	d.opID.Store(opID)
	if d.replicationState == NotReplicating {
		// The entry is in the local log, so consensus owns it. A prepare task
		// finishing after this point must not submit the round a second time.
		d.replicationState = Replicating
	}
	d.mu.Unlock()

	if d.operation != nil {
		d.operation.State().SetOpId(opID)
	}
	d.span.Debugf("appended %s (committed %s)", opID, committedOpID)
	d.startOperation()
}

// startOperation runs at most once, at the earlier of append and prepare
// completion. It publishes the propagated safe time and, for safe-time-only
// drivers, releases the driver immediately. Returns false when there is no
// operation left to run.
func (d *OperationDriver) startOperation() bool {
	d.mu.Lock()
	if d.started {
		hasOp := d.operation != nil
		d.mu.Unlock()
		return hasOp
	}
	d.started = true
	d.mu.Unlock()

	if d.propagatedSafeTime.Valid() && d.mvcc != nil {
		d.mvcc.SetPropagatedSafeTimeOnFollower(d.propagatedSafeTime)
	}
	if d.operation == nil {
		d.tracker.Release(d, nil)
		d.span.Finish()
		return false
	}
	return true
}

// PrepareAndStartTask is the preparer pool entry point.
func (d *OperationDriver) PrepareAndStartTask() {
	if err := d.prepareAndStart(); err != nil {
		d.HandleFailure(err)
	}
}

func (d *OperationDriver) prepareAndStart() error {
	if d.operation != nil {
		if err := d.operation.Prepare(); err != nil {
			return err
		}
	}

	d.mu.Lock()
	if d.prepareState != NotPrepared {
		d.mu.Unlock()
		fatalf("operation %s prepared twice", d)
		return nil
	}
	replState := d.replicationState
	d.mu.Unlock()

	if replState == Replicating || replState == Replicated {
		// The replica path (or an append that already landed): the entry is
		// ordered, so the operation starts here.
		if !d.startOperation() {
			return nil
		}
	}

	d.mu.Lock()
	d.prepareState = Prepared
	close(d.prepared)
	submit := false
	if d.replicationState == NotReplicating {
		d.replicationState = Replicating
		submit = true
	}
	d.mu.Unlock()

	if submit {
		if err := d.cons.Replicate(d.round); err != nil {
			// The entry never reached consensus. Route the failure through the
			// replicated callback so the state degrades to ReplicationFailed
			// and the abort path stays recoverable.
			d.round.NotifyReplicationFinished(err, consensus.UnknownTerm, nil)
		}
	}
	return nil
}

// ReplicationFinished carries the quorum outcome. If prepare has not finished
// yet it waits for it; the apply step never runs before both signals fire.
func (d *OperationDriver) ReplicationFinished(err error, leaderTerm int64, appliedOpIds *[]proto.OpId) {
	if err == nil && !d.GetOpId().Valid() {
		fatalf("operation %s replicated without an assigned log position", d)
		return
	}

	d.mu.Lock()
	switch d.replicationState {
	case ReplicationFailed:
		d.mu.Unlock()
		if err == nil {
			fatalf("operation %s replicated successfully after a replication failure", d)
		}
		return
	case Replicating:
	default:
		state := d.replicationState
		d.mu.Unlock()
		fatalf("operation %s got a replication outcome in state %d", d, state)
		return
	}
	if err == nil {
		d.replicationState = Replicated
	} else {
		d.replicationState = ReplicationFailed
	}
	prepState := d.prepareState
	d.mu.Unlock()

	if prepState != Prepared {
		d.waitForPrepare()
	}

	if err != nil {
		d.HandleFailure(err)
		return
	}
	d.applyOperation(leaderTerm, appliedOpIds)
}

// waitForPrepare blocks the consensus callback until the preparer finishes,
// logging periodically so a stuck prepare queue is visible.
func (d *OperationDriver) waitForPrepare() {
	warn := time.NewTicker(time.Second)
	defer warn.Stop()
	for {
		select {
		case <-d.prepared:
			return
		case <-warn.C:
			d.span.Warnf("operation %s replicated but still waiting to be prepared", d)
		}
	}
}

func (d *OperationDriver) applyOperation(leaderTerm int64, appliedOpIds *[]proto.OpId) {
	d.mu.Lock()
	repl, prep := d.replicationState, d.prepareState
	d.mu.Unlock()
	if repl != Replicated || prep != Prepared {
		fatalf("operation %s applied in state %s", d, d.StateString())
		return
	}

	if err := d.operation.Replicated(leaderTerm); err != nil {
		// The entry is durable on a quorum; failing to apply it would leave
		// this replica permanently diverged.
		fatalf("failed to apply replicated operation %s at %s: %s", d, d.GetOpId(), err)
		return
	}
	if d.round != nil && d.mvcc != nil {
		// Leader commit advances the propagated safe time; followers learn it
		// from the safe-time entries the leader sends alongside.
		d.mvcc.UpdatePropagatedSafeTimeOnLeader(d.operation.State().HybridTime())
	}
	metrics.OperationsApplied.Inc()
	d.tracker.Release(d, appliedOpIds)
	d.span.Finish()
}

// HandleFailure resolves a failure against the replication state. Before
// consensus accepted the entry the operation aborts cleanly; once the entry
// is replicating or replicated the failure is unrecoverable.
func (d *OperationDriver) HandleFailure(err error) {
	d.mu.Lock()
	switch d.replicationState {
	case NotReplicating, ReplicationFailed:
		// Pin the failed state so a queued prepare task cannot hand the entry
		// to consensus after the abort.
		d.replicationState = ReplicationFailed
		d.mu.Unlock()
		d.abortOperation(err)
	default:
		d.mu.Unlock()
		fatalf("cannot cancel operation %s in state %s: %s", d, d.StateString(), err)
	}
}

// abortOperation is the recoverable terminal path, taken at most once even
// when an abort races a prepare failure.
func (d *OperationDriver) abortOperation(err error) {
	d.abortOnce.Do(func() {
		d.span.Warnf("operation %s failed before replication: %s", d, err)
		if d.operation != nil {
			d.operation.Aborted(err)
		}
		metrics.OperationsAborted.Inc()
		d.tracker.Release(d, nil)
		d.span.Finish()
	})
}

// Abort requests cancellation. It only succeeds while the entry has not been
// handed to consensus; afterwards it reports ErrAlreadyReplicating and the
// operation keeps going.
func (d *OperationDriver) Abort(reason error) error {
	if reason == nil {
		fatalf("operation %s aborted without a reason", d)
		return nil
	}
	d.mu.Lock()
	if d.replicationState != NotReplicating {
		d.mu.Unlock()
		return apierrors.ErrAlreadyReplicating
	}
	d.replicationState = ReplicationFailed
	d.mu.Unlock()
	d.abortOperation(reason)
	return nil
}

// SetPropagatedSafeTime attaches a safe time to publish when the operation
// starts. Only valid before ExecuteAsync.
func (d *OperationDriver) SetPropagatedSafeTime(ht proto.HybridTime, mvcc MvccManager) {
	d.propagatedSafeTime = ht
	d.mvcc = mvcc
}

// Status snapshots the driver for diagnostics.
func (d *OperationDriver) Status() proto.OperationStatus {
	return proto.OperationStatus{
		OpId:        d.GetOpId(),
		Type:        d.OperationType(),
		Description: d.String(),
		RunningFor:  time.Since(d.startTime),
	}
}

// StateString renders the dual state compactly, e.g. "R-P" for a replicating
// prepared operation.
func (d *OperationDriver) StateString() string {
	d.mu.Lock()
	repl, prep := d.replicationState, d.prepareState
	d.mu.Unlock()
	var s string
	switch repl {
	case NotReplicating:
		s = "NR"
	case Replicating:
		s = "R"
	case Replicated:
		s = "RD"
	case ReplicationFailed:
		s = "RF"
	}
	if prep == Prepared {
		return s + "-P"
	}
	return s + "-NP"
}

func (d *OperationDriver) String() string {
	desc := "[no operation]"
	if d.operation != nil {
		desc = d.operation.String()
	}
	return fmt.Sprintf("OperationDriver{%s, state: %s, op_id: %s}", desc, d.StateString(), d.GetOpId())
}
