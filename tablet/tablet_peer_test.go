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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tabletdb/tabletdb/consensus"
	apierrors "github.com/tabletdb/tabletdb/errors"
	"github.com/tabletdb/tabletdb/proto"
)

type peerFixture struct {
	peer   *TabletPeer
	tablet *fakeTablet
	cons   *fakeConsensus
	log    *fakeLog
	clock  *fakeClock
}

func newRunningPeer(t *testing.T) *peerFixture {
	t.Helper()
	f := &peerFixture{
		peer:   NewTabletPeer(TabletPeerConfig{TabletID: "tablet-1", LogGCIntervalSec: -1}),
		tablet: newFakeTablet(),
		cons:   newFakeConsensus(),
		log:    &fakeLog{latest: proto.OpId{Term: 1, Index: 10}},
		clock:  &fakeClock{},
	}
	f.cons.autoAppend = true
	require.NoError(t, f.peer.SetBootstrapping())
	require.NoError(t, f.peer.Init(context.Background(), InitParams{
		Tablet:    f.tablet,
		Clock:     f.clock,
		Log:       f.log,
		Consensus: f.cons,
	}))
	require.NoError(t, f.peer.Start(context.Background()))
	return f
}

func TestPeerLifecycleTransitions(t *testing.T) {
	peer := NewTabletPeer(TabletPeerConfig{TabletID: "t"})
	require.Equal(t, proto.TabletNotStarted, peer.CurrentState())
	require.Equal(t, apierrors.ErrTabletNotRunning, peer.CheckRunning())

	// Init and Start are only legal from the bootstrap phase.
	require.Error(t, peer.Init(context.Background(), InitParams{}))
	require.Equal(t, apierrors.ErrInvalidTabletState, peer.Start(context.Background()))

	require.NoError(t, peer.SetBootstrapping())
	require.Equal(t, apierrors.ErrInvalidTabletState, peer.SetBootstrapping())
	require.Equal(t, proto.TabletBootstrapping, peer.CurrentState())
}

func TestPeerInitInstallsFlushGate(t *testing.T) {
	f := newRunningPeer(t)
	require.NotNil(t, f.tablet.flushFactory)

	filter := f.tablet.flushFactory()
	require.True(t, filter(proto.OpId{Term: 1, Index: 10}))
	require.False(t, filter(proto.OpId{Term: 1, Index: 11}))
	require.False(t, filter(proto.OpId{Term: 2, Index: 5}))
	// An empty memtable may always flush.
	require.True(t, filter(proto.OpId{}))
}

func TestPeerShutdownIsIdempotentUnderConcurrency(t *testing.T) {
	f := newRunningPeer(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.peer.Shutdown(context.Background())
		}()
	}
	wg.Wait()

	require.Equal(t, proto.TabletShutdown, f.peer.CurrentState())
	require.Equal(t, 1, f.cons.shutdowns)
	require.Equal(t, 1, f.tablet.shutdowns)
	require.True(t, f.log.closed)
	require.Equal(t, apierrors.ErrTabletNotRunning, f.peer.CheckRunning())

	// Repeated shutdown is a no-op.
	f.peer.Shutdown(context.Background())
	require.Equal(t, 1, f.tablet.shutdowns)
}

func TestPeerWriteAsyncRoundTrip(t *testing.T) {
	f := newRunningPeer(t)
	f.tablet.onAcquire = func(op *WriteOperation) { f.peer.StartExecution(op) }

	done := make(chan error, 1)
	req := &WriteRequest{Docs: []DocOperation{{Key: []byte("k"), Value: []byte("v")}}}
	f.peer.WriteAsync(context.Background(), req, time.Time{}, func(err error) { done <- err })

	waitFor(t, func() bool { return f.cons.roundCount() == 1 })
	f.cons.lastRound().NotifyReplicationFinished(nil, f.cons.LeaderTerm(), nil)

	require.NoError(t, <-done)
	require.Equal(t, 1, f.tablet.appliedCount())
}

func TestPeerWriteAsyncRejectsWhenNotRunning(t *testing.T) {
	peer := NewTabletPeer(TabletPeerConfig{TabletID: "t"})
	done := make(chan error, 1)
	peer.WriteAsync(context.Background(), &WriteRequest{}, time.Time{}, func(err error) { done <- err })
	require.Equal(t, apierrors.ErrTabletNotRunning, <-done)
}

func TestPeerSubmitRequiresLeadership(t *testing.T) {
	f := newRunningPeer(t)
	f.cons.mu.Lock()
	f.cons.leaderTerm = consensus.UnknownTerm
	f.cons.mu.Unlock()

	op := newTestOperation(f.tablet)
	err := f.peer.Submit(context.Background(), op)
	require.Equal(t, apierrors.ErrNotLeader, err)
	require.Equal(t, 1, op.abortedCount())
	require.Equal(t, 0, f.tracker().OperationsInFlight())
}

func (f *peerFixture) tracker() *OperationTracker { return f.peer.tracker }

func TestPeerStartReplicaOperation(t *testing.T) {
	f := newRunningPeer(t)

	req := &WriteRequest{Docs: []DocOperation{{Key: []byte("k"), Value: []byte("v")}}}
	msg := &consensus.ReplicateMsg{
		OpType:           proto.WriteOperation,
		HybridTime:       proto.HybridTime(1 << 20),
		MonotonicCounter: 44,
		Payload:          req.Marshal(),
	}
	round := consensus.NewRound(msg, nil)
	round.SetOpId(proto.OpId{Term: 2, Index: 11})

	require.NoError(t, f.peer.StartReplicaOperation(context.Background(), round, proto.HybridTime(500)))
	round.NotifyReplicationFinished(nil, 2, nil)

	waitFor(t, func() bool { return f.tablet.appliedCount() == 1 })
	require.Equal(t, proto.HybridTime(500), f.tablet.mvcc.SafeTime())
	require.GreaterOrEqual(t, uint64(f.clock.Now()), uint64(msg.HybridTime))
	f.tablet.mu.Lock()
	counter := f.tablet.counter
	f.tablet.mu.Unlock()
	require.Equal(t, int64(44), counter)
}

func TestPeerSetPropagatedSafeTime(t *testing.T) {
	f := newRunningPeer(t)
	f.peer.SetPropagatedSafeTime(proto.HybridTime(123))
	waitFor(t, func() bool { return f.tablet.mvcc.SafeTime() == proto.HybridTime(123) })
	waitFor(t, func() bool { return f.tracker().OperationsInFlight() == 0 })
}

func TestPeerSubmitUpdateTransaction(t *testing.T) {
	f := newRunningPeer(t)

	// Rejected on a tablet that does not host transaction statuses.
	err := f.peer.SubmitUpdateTransaction(context.Background(), &TxnUpdate{Status: TxnCommitted}, func(error) {})
	require.Error(t, err)

	f.tablet.mu.Lock()
	f.tablet.tableType = proto.TransactionStatusTableType
	f.tablet.mu.Unlock()

	done := make(chan error, 1)
	update := &TxnUpdate{Status: TxnCommitted}
	copy(update.TxnID[:], []byte("0123456789abcdef"))
	require.NoError(t, f.peer.SubmitUpdateTransaction(context.Background(), update, func(err error) { done <- err }))

	waitFor(t, func() bool { return f.cons.roundCount() == 1 })
	f.cons.lastRound().NotifyReplicationFinished(nil, f.cons.LeaderTerm(), nil)
	require.NoError(t, <-done)
	require.Equal(t, 1, f.tablet.appliedCount())
}

func TestPeerEarliestNeededLogIndex(t *testing.T) {
	f := newRunningPeer(t)
	f.log.mu.Lock()
	f.log.latest = proto.OpId{Term: 2, Index: 50}
	f.log.mu.Unlock()
	f.tablet.mu.Lock()
	f.tablet.maxPersistent = proto.OpId{Term: 2, Index: 30}
	f.tablet.mu.Unlock()
	f.cons.mu.Lock()
	f.cons.committed = proto.OpId{Term: 2, Index: 40}
	f.cons.mu.Unlock()

	anchor := f.peer.LogAnchorRegistry().Register(25, "compaction")
	d := newTrackedDriver(t, f.tracker(), proto.OpId{Term: 2, Index: 20})

	// The in-flight operation is the lowest source.
	idx, err := f.peer.GetEarliestNeededLogIndex()
	require.NoError(t, err)
	require.Equal(t, int64(20), idx)

	f.tracker().Release(d, nil)
	idx, err = f.peer.GetEarliestNeededLogIndex()
	require.NoError(t, err)
	require.Equal(t, int64(25), idx)

	require.NoError(t, f.peer.LogAnchorRegistry().Unregister(anchor))
	idx, err = f.peer.GetEarliestNeededLogIndex()
	require.NoError(t, err)
	require.Equal(t, int64(31), idx)

	// Nothing persisted yet: everything must be retained.
	f.tablet.mu.Lock()
	f.tablet.maxPersistent = proto.OpId{}
	f.tablet.mu.Unlock()
	idx, err = f.peer.GetEarliestNeededLogIndex()
	require.NoError(t, err)
	require.Equal(t, int64(0), idx)
}

func TestPeerEarliestNeededLogIndexTransactionStatusTablet(t *testing.T) {
	f := newRunningPeer(t)
	f.log.mu.Lock()
	f.log.latest = proto.OpId{Term: 1, Index: 50}
	f.log.mu.Unlock()
	f.tablet.mu.Lock()
	f.tablet.tableType = proto.TransactionStatusTableType
	f.tablet.coordinator = &fakeCoordinator{gcIndex: 5}
	f.tablet.maxPersistent = proto.OpId{Term: 1, Index: 30}
	f.tablet.mu.Unlock()

	idx, err := f.peer.GetEarliestNeededLogIndex()
	require.NoError(t, err)
	require.Equal(t, int64(5), idx)
}

func TestPeerRunLogGC(t *testing.T) {
	f := newRunningPeer(t)
	f.log.mu.Lock()
	f.log.latest = proto.OpId{Term: 1, Index: 50}
	f.log.removed = 7
	f.log.mu.Unlock()
	f.tablet.mu.Lock()
	f.tablet.maxPersistent = proto.OpId{Term: 1, Index: 50}
	f.tablet.mu.Unlock()
	f.cons.mu.Lock()
	f.cons.committed = proto.OpId{Term: 1, Index: 50}
	f.cons.mu.Unlock()

	require.NoError(t, f.peer.RunLogGC(context.Background()))
	f.log.mu.Lock()
	defer f.log.mu.Unlock()
	require.Equal(t, []int64{50}, f.log.gcCalls)
}

func TestPeerRetentionQueriesRequireRunning(t *testing.T) {
	peer := NewTabletPeer(TabletPeerConfig{TabletID: "t"})
	_, err := peer.GetEarliestNeededLogIndex()
	require.Equal(t, apierrors.ErrTabletNotRunning, err)
	require.Equal(t, apierrors.ErrTabletNotRunning, peer.RunLogGC(context.Background()))
	_, err = peer.GetGCableDataSize()
	require.Equal(t, apierrors.ErrTabletNotRunning, err)
}

func TestPeerRetentionQueriesAfterCollaboratorsDetached(t *testing.T) {
	f := newRunningPeer(t)

	// A shutdown finishing between the state check and the collaborator read
	// leaves the pointers nil; the queries must fail cleanly, not crash.
	f.peer.mu.Lock()
	f.peer.log, f.peer.tablet, f.peer.cons = nil, nil, nil
	f.peer.mu.Unlock()

	_, err := f.peer.GetEarliestNeededLogIndex()
	require.Equal(t, apierrors.ErrTabletNotRunning, err)
	_, err = f.peer.GetMaxIndexesToSegmentSizeMap()
	require.Equal(t, apierrors.ErrTabletNotRunning, err)
	_, err = f.peer.GetGCableDataSize()
	require.Equal(t, apierrors.ErrTabletNotRunning, err)
	require.Equal(t, apierrors.ErrTabletNotRunning, f.peer.RunLogGC(context.Background()))
}

func TestPeerLeaderStatusPassthrough(t *testing.T) {
	f := newRunningPeer(t)
	require.Equal(t, consensus.LeaderAndReady, f.peer.LeaderStatus())

	f.cons.mu.Lock()
	f.cons.leaderTerm = consensus.UnknownTerm
	f.cons.mu.Unlock()
	require.Equal(t, consensus.NotLeader, f.peer.LeaderStatus())

	f.peer.Shutdown(context.Background())
	require.Equal(t, consensus.NotLeader, f.peer.LeaderStatus())
}

func TestPeerLastCommittedWriteIndex(t *testing.T) {
	f := newRunningPeer(t)
	f.tablet.mu.Lock()
	f.tablet.lastCommitted = 17
	f.tablet.mu.Unlock()

	idx, err := f.peer.LastCommittedWriteIndex()
	require.NoError(t, err)
	require.Equal(t, int64(17), idx)

	f.peer.Shutdown(context.Background())
	_, err = f.peer.LastCommittedWriteIndex()
	require.Equal(t, apierrors.ErrTabletNotRunning, err)
}

func TestPeerWaitUntilConsensusRunning(t *testing.T) {
	f := newRunningPeer(t)
	require.NoError(t, f.peer.WaitUntilConsensusRunning(time.Second))

	f.cons.mu.Lock()
	f.cons.running = false
	f.cons.mu.Unlock()
	require.Equal(t, apierrors.ErrWaitTimedOut, f.peer.WaitUntilConsensusRunning(20*time.Millisecond))

	require.True(t, f.peer.StartShutdown())
	require.Equal(t, apierrors.ErrTabletShuttingDown, f.peer.WaitUntilConsensusRunning(time.Second))
	f.peer.CompleteShutdown(context.Background())
}

func TestPeerSetFailedIsSticky(t *testing.T) {
	f := newRunningPeer(t)
	cause := errors.New("disk corruption")
	f.peer.SetFailed(cause)

	require.Equal(t, proto.TabletFailed, f.peer.CurrentState())
	require.Equal(t, cause, f.peer.FatalError())
	require.Equal(t, apierrors.ErrTabletNotRunning, f.peer.CheckRunning())
	require.Contains(t, f.peer.HumanReadableState(), "FAILED")
	require.Contains(t, f.peer.HumanReadableState(), "disk corruption")

	// Shutdown still proceeds from the failed state.
	f.peer.Shutdown(context.Background())
	require.Equal(t, proto.TabletShutdown, f.peer.CurrentState())
}

func TestPeerGetInFlightOperations(t *testing.T) {
	f := newRunningPeer(t)
	op := newTestOperation(f.tablet)
	op.blockCh = make(chan struct{})
	require.NoError(t, f.peer.Submit(context.Background(), op))

	// A tracked safe-time driver carries no operation and stays out of the
	// diagnostic snapshot.
	safeTime, err := f.peer.NewReplicaOperationDriver(nil)
	require.NoError(t, err)
	require.Equal(t, 2, f.tracker().OperationsInFlight())

	waitFor(t, func() bool { return len(f.peer.GetInFlightOperations()) == 1 })
	statuses := f.peer.GetInFlightOperations()
	require.Equal(t, proto.WriteOperation, statuses[0].Type)
	require.Contains(t, statuses[0].Description, "TEST_OP")

	safeTime.ExecuteAsync()
	waitFor(t, func() bool { return f.tracker().OperationsInFlight() == 1 })

	close(op.blockCh)
	waitFor(t, func() bool { return f.cons.roundCount() == 1 })
	f.cons.lastRound().NotifyReplicationFinished(nil, f.cons.LeaderTerm(), nil)
	require.Empty(t, f.peer.GetInFlightOperations())
}
