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

	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/tabletdb/tabletdb/proto"
)

// fatalf terminates the process on invariant violations: states the design
// considers impossible by construction must not degrade into recoverable
// errors. Tests substitute a panicking hook to observe the escalation.
var fatalf = log.Fatalf

// FlushFilter reports whether a memtable whose largest frontier is
// largestOpId may be flushed.
type FlushFilter func(largestOpId proto.OpId) bool

// FlushFilterFactory snapshots the latest durably-logged position and builds
// a filter that refuses memtables containing entries past it.
type FlushFilterFactory func() FlushFilter

// Tablet is the storage collaborator of a tablet peer. Its on-disk format,
// read path and compaction policy live behind this interface.
type Tablet interface {
	// AcquireLocksAndPerformDocOperations takes the row locks for op and
	// hands it back to the peer for execution once they are held.
	AcquireLocksAndPerformDocOperations(ctx context.Context, op *WriteOperation)

	ApplyWrite(op *WriteOperation, leaderTerm int64) error
	ApplyAlterSchema(op *AlterSchemaOperation) error
	ApplyUpdateTransaction(op *UpdateTxnOperation) error
	ApplyTruncate(op *TruncateOperation) error

	// UpdateMonotonicCounter raises the tablet counter to at least value.
	UpdateMonotonicCounter(value int64)

	// MaxPersistentOpId is the highest position durably persisted to storage;
	// log retention must keep everything past it while storage lags the log.
	MaxPersistentOpId() (proto.OpId, error)
	LastCommittedWriteIndex() int64
	// TransactionCoordinator returns nil when this tablet hosts no
	// transaction status data.
	TransactionCoordinator() TransactionCoordinator
	TableType() proto.TableType

	MvccManager() MvccManager
	SetMemTableFlushFilterFactory(factory FlushFilterFactory)

	Shutdown()
}

// MvccManager publishes safe-read timestamps.
type MvccManager interface {
	SetPropagatedSafeTimeOnFollower(ht proto.HybridTime)
	UpdatePropagatedSafeTimeOnLeader(ht proto.HybridTime)
	SafeTime() proto.HybridTime
}

// TransactionCoordinator lowers the log retention floor to what it still
// needs for recovery.
type TransactionCoordinator interface {
	PrepareGC() int64
}

// Clock is the logical clock collaborator.
type Clock interface {
	Now() proto.HybridTime
	Update(ht proto.HybridTime)
}

// Log is the write-ahead log collaborator; appends are owned by the
// replication layer.
type Log interface {
	GetLatestEntryOpId() proto.OpId
	GC(ctx context.Context, minIndex int64) (int, error)
	GetMaxIndexesToSegmentSizeMap(minIndex int64) map[int64]int64
	GetGCableDataSize(minIndex int64) int64
	Close() error
}
