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
	"testing"

	"github.com/tabletdb/tabletdb/consensus"
	"github.com/tabletdb/tabletdb/proto"
)

// fatalRecorder swaps the process-abort hook for a recording one so tests can
// assert on invariant escalations.
type fatalRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func installFatalRecorder(t *testing.T) *fatalRecorder {
	t.Helper()
	r := &fatalRecorder{}
	orig := fatalf
	fatalf = func(format string, v ...interface{}) {
		r.mu.Lock()
		r.msgs = append(r.msgs, fmt.Sprintf(format, v...))
		r.mu.Unlock()
	}
	t.Cleanup(func() { fatalf = orig })
	return r
}

func (r *fatalRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *fatalRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return ""
	}
	return r.msgs[len(r.msgs)-1]
}

type fakeConsensus struct {
	mu           sync.Mutex
	running      bool
	leaderTerm   int64
	nextIndex    int64
	rounds       []*consensus.Round
	committed    proto.OpId
	replicateErr error
	// autoAppend assigns a position and fires the append callback inside
	// Replicate, mimicking a fast local log.
	autoAppend bool
	shutdowns  int
}

func newFakeConsensus() *fakeConsensus {
	return &fakeConsensus{running: true, leaderTerm: 1, nextIndex: 1}
}

func (c *fakeConsensus) NewRound(msg *consensus.ReplicateMsg, replicatedCb consensus.ReplicatedCallback) *consensus.Round {
	return consensus.NewRound(msg, replicatedCb)
}

func (c *fakeConsensus) Replicate(round *consensus.Round) error {
	c.mu.Lock()
	if c.replicateErr != nil {
		err := c.replicateErr
		c.mu.Unlock()
		return err
	}
	c.rounds = append(c.rounds, round)
	id := proto.OpId{Term: c.leaderTerm, Index: c.nextIndex}
	c.nextIndex++
	auto := c.autoAppend
	c.mu.Unlock()

	if auto {
		round.NotifyAppend(id, proto.OpId{})
	} else {
		round.SetOpId(id)
	}
	return nil
}

func (c *fakeConsensus) lastRound() *consensus.Round {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.rounds) == 0 {
		return nil
	}
	return c.rounds[len(c.rounds)-1]
}

func (c *fakeConsensus) roundCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rounds)
}

func (c *fakeConsensus) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *fakeConsensus) LeaderStatus() consensus.LeaderStatus {
	if c.LeaderTerm() == consensus.UnknownTerm {
		return consensus.NotLeader
	}
	return consensus.LeaderAndReady
}

func (c *fakeConsensus) LeaderTerm() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderTerm
}

func (c *fakeConsensus) GetLastCommittedOpId() proto.OpId {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

func (c *fakeConsensus) Shutdown() {
	c.mu.Lock()
	c.running = false
	c.shutdowns++
	c.mu.Unlock()
}

type fakeMvcc struct {
	mu               sync.Mutex
	followerSafeTime proto.HybridTime
	leaderSafeTime   proto.HybridTime
}

func (m *fakeMvcc) SetPropagatedSafeTimeOnFollower(ht proto.HybridTime) {
	m.mu.Lock()
	m.followerSafeTime = ht
	m.mu.Unlock()
}

func (m *fakeMvcc) UpdatePropagatedSafeTimeOnLeader(ht proto.HybridTime) {
	m.mu.Lock()
	m.leaderSafeTime = ht
	m.mu.Unlock()
}

func (m *fakeMvcc) SafeTime() proto.HybridTime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.followerSafeTime
}

func (m *fakeMvcc) leaderTime() proto.HybridTime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaderSafeTime
}

type fakeCoordinator struct {
	gcIndex int64
}

func (c *fakeCoordinator) PrepareGC() int64 { return c.gcIndex }

type fakeTablet struct {
	mu            sync.Mutex
	mvcc          *fakeMvcc
	applied       []proto.OperationType
	appliedWrites []*WriteRequest
	applyErr      error
	maxPersistent proto.OpId
	lastCommitted int64
	counter       int64
	tableType     proto.TableType
	coordinator   TransactionCoordinator
	flushFactory  FlushFilterFactory
	shutdowns     int
	onAcquire     func(op *WriteOperation)
}

func newFakeTablet() *fakeTablet {
	return &fakeTablet{mvcc: &fakeMvcc{}, maxPersistent: proto.OpId{Term: 1, Index: 1}}
}

func (f *fakeTablet) AcquireLocksAndPerformDocOperations(ctx context.Context, op *WriteOperation) {
	if f.onAcquire != nil {
		f.onAcquire(op)
	}
}

func (f *fakeTablet) applyOne(t proto.OperationType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, t)
	return nil
}

func (f *fakeTablet) ApplyWrite(op *WriteOperation, leaderTerm int64) error {
	if err := f.applyOne(proto.WriteOperation); err != nil {
		return err
	}
	f.mu.Lock()
	f.appliedWrites = append(f.appliedWrites, op.Request())
	f.mu.Unlock()
	return nil
}

func (f *fakeTablet) ApplyAlterSchema(op *AlterSchemaOperation) error {
	return f.applyOne(proto.AlterSchemaOperation)
}

func (f *fakeTablet) ApplyUpdateTransaction(op *UpdateTxnOperation) error {
	return f.applyOne(proto.UpdateTransactionOperation)
}

func (f *fakeTablet) ApplyTruncate(op *TruncateOperation) error {
	return f.applyOne(proto.TruncateOperation)
}

func (f *fakeTablet) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func (f *fakeTablet) UpdateMonotonicCounter(value int64) {
	f.mu.Lock()
	if value > f.counter {
		f.counter = value
	}
	f.mu.Unlock()
}

func (f *fakeTablet) MaxPersistentOpId() (proto.OpId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxPersistent, nil
}

func (f *fakeTablet) LastCommittedWriteIndex() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCommitted
}

func (f *fakeTablet) TransactionCoordinator() TransactionCoordinator {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.coordinator
}

func (f *fakeTablet) TableType() proto.TableType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tableType
}

func (f *fakeTablet) MvccManager() MvccManager { return f.mvcc }

func (f *fakeTablet) SetMemTableFlushFilterFactory(factory FlushFilterFactory) {
	f.mu.Lock()
	f.flushFactory = factory
	f.mu.Unlock()
}

func (f *fakeTablet) Shutdown() {
	f.mu.Lock()
	f.shutdowns++
	f.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now proto.HybridTime
}

func (c *fakeClock) Now() proto.HybridTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now++
	return c.now
}

func (c *fakeClock) Update(ht proto.HybridTime) {
	c.mu.Lock()
	if ht > c.now {
		c.now = ht
	}
	c.mu.Unlock()
}

type fakeLog struct {
	mu      sync.Mutex
	latest  proto.OpId
	gcCalls []int64
	removed int
	closed  bool
}

func (l *fakeLog) GetLatestEntryOpId() proto.OpId {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest
}

func (l *fakeLog) GC(ctx context.Context, minIndex int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gcCalls = append(l.gcCalls, minIndex)
	return l.removed, nil
}

func (l *fakeLog) GetMaxIndexesToSegmentSizeMap(minIndex int64) map[int64]int64 {
	return map[int64]int64{minIndex: 128}
}

func (l *fakeLog) GetGCableDataSize(minIndex int64) int64 { return 0 }

func (l *fakeLog) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// testOperation blocks in Prepare until released, for exercising the race
// between the prepare and replication signals.
type testOperation struct {
	state      *OperationState
	prepareErr error
	blockCh    chan struct{}

	mu         sync.Mutex
	prepared   int
	replicated int
	aborted    []error
	applyErr   error
}

func newTestOperation(tablet Tablet) *testOperation {
	return &testOperation{state: NewOperationState(tablet)}
}

func (o *testOperation) OperationType() proto.OperationType { return proto.WriteOperation }
func (o *testOperation) State() *OperationState             { return o.state }

func (o *testOperation) NewReplicateMsg() (*consensus.ReplicateMsg, error) {
	return &consensus.ReplicateMsg{OpType: proto.WriteOperation, HybridTime: o.state.HybridTime()}, nil
}

func (o *testOperation) Prepare() error {
	if o.blockCh != nil {
		<-o.blockCh
	}
	o.mu.Lock()
	o.prepared++
	o.mu.Unlock()
	return o.prepareErr
}

func (o *testOperation) Replicated(leaderTerm int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.applyErr != nil {
		return o.applyErr
	}
	o.replicated++
	return nil
}

func (o *testOperation) Aborted(reason error) {
	o.mu.Lock()
	o.aborted = append(o.aborted, reason)
	o.mu.Unlock()
	o.state.CompleteWithStatus(reason)
}

func (o *testOperation) preparedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.prepared
}

func (o *testOperation) replicatedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.replicated
}

func (o *testOperation) abortedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.aborted)
}

func (o *testOperation) String() string { return "TEST_OP" }
