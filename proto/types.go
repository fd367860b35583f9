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

package proto

import (
	"fmt"
	"time"
)

// OpId identifies one replicated log entry: the term it was proposed in and
// its totally ordered index within the log.
type OpId struct {
	Term  int64 `json:"term"`
	Index int64 `json:"index"`
}

func (id OpId) Valid() bool {
	return id.Term > 0 && id.Index > 0
}

func (id OpId) String() string {
	return fmt.Sprintf("%d.%d", id.Term, id.Index)
}

// Before reports whether id was assigned strictly earlier than other in the
// log ordering.
func (id OpId) Before(other OpId) bool {
	if id.Term != other.Term {
		return id.Term < other.Term
	}
	return id.Index < other.Index
}

// HybridTime is a hybrid logical timestamp: 52 bits of physical microseconds
// and 12 bits of logical counter.
type HybridTime uint64

const (
	InvalidHybridTime HybridTime = 0
	MaxHybridTime     HybridTime = ^HybridTime(0)

	HybridTimeLogicalBits = 12
)

func (ht HybridTime) Valid() bool {
	return ht != InvalidHybridTime
}

func (ht HybridTime) PhysicalMicros() uint64 {
	return uint64(ht) >> HybridTimeLogicalBits
}

func (ht HybridTime) Logical() uint64 {
	return uint64(ht) & ((1 << HybridTimeLogicalBits) - 1)
}

func (ht HybridTime) String() string {
	if !ht.Valid() {
		return "<invalid>"
	}
	return fmt.Sprintf("{physical: %d logical: %d}", ht.PhysicalMicros(), ht.Logical())
}

// TabletState is the lifecycle state of a tablet peer.
type TabletState int32

const (
	TabletNotStarted TabletState = iota
	TabletBootstrapping
	TabletRunning
	TabletQuiescing
	TabletFailed
	TabletShutdown
)

func (s TabletState) String() string {
	switch s {
	case TabletNotStarted:
		return "NOT_STARTED"
	case TabletBootstrapping:
		return "BOOTSTRAPPING"
	case TabletRunning:
		return "RUNNING"
	case TabletQuiescing:
		return "QUIESCING"
	case TabletFailed:
		return "FAILED"
	case TabletShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// OperationType enumerates the replicated mutation kinds.
type OperationType uint8

const (
	UnknownOperation OperationType = iota
	WriteOperation
	AlterSchemaOperation
	UpdateTransactionOperation
	TruncateOperation
)

func (t OperationType) String() string {
	switch t {
	case WriteOperation:
		return "WRITE_OP"
	case AlterSchemaOperation:
		return "ALTER_SCHEMA_OP"
	case UpdateTransactionOperation:
		return "UPDATE_TRANSACTION_OP"
	case TruncateOperation:
		return "TRUNCATE_OP"
	default:
		return fmt.Sprintf("UNKNOWN_OP(%d)", uint8(t))
	}
}

// TableType distinguishes regular tablets from transaction status tablets,
// which follow different log retention rules.
type TableType uint8

const (
	DefaultTableType TableType = iota
	TransactionStatusTableType
)

// OperationStatus is a diagnostic snapshot of one in-flight operation.
type OperationStatus struct {
	OpId        OpId          `json:"op_id"`
	Type        OperationType `json:"operation_type"`
	Description string        `json:"description"`
	RunningFor  time.Duration `json:"running_for"`
}

// MinInt64 is a helper for retention computations that fold many sources.
func MinInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
