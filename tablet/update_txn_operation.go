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
	"fmt"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"
	"github.com/tabletdb/tabletdb/consensus"
	"github.com/tabletdb/tabletdb/proto"
)

// TxnStatus is a replicated transaction status transition.
type TxnStatus uint8

const (
	TxnPending TxnStatus = iota
	TxnCommitted
	TxnAborted
)

func (s TxnStatus) String() string {
	switch s {
	case TxnPending:
		return "PENDING"
	case TxnCommitted:
		return "COMMITTED"
	case TxnAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// TxnUpdate is the replicated payload of a transaction status change.
type TxnUpdate struct {
	TxnID  uuid.UUID
	Status TxnStatus
}

func (u *TxnUpdate) Marshal() []byte {
	buf := make([]byte, 17)
	copy(buf, u.TxnID[:])
	buf[16] = byte(u.Status)
	return buf
}

func (u *TxnUpdate) Unmarshal(data []byte) error {
	if len(data) != 17 {
		return errors.Newf("txn update must be 17 bytes, got %d", len(data))
	}
	copy(u.TxnID[:], data)
	u.Status = TxnStatus(data[16])
	return nil
}

// UpdateTxnOperation replicates and applies one transaction status change on
// a transaction status tablet.
type UpdateTxnOperation struct {
	state  *OperationState
	update *TxnUpdate
}

func NewUpdateTxnOperation(state *OperationState, update *TxnUpdate) *UpdateTxnOperation {
	return &UpdateTxnOperation{state: state, update: update}
}

func (o *UpdateTxnOperation) OperationType() proto.OperationType {
	return proto.UpdateTransactionOperation
}
func (o *UpdateTxnOperation) State() *OperationState { return o.state }
func (o *UpdateTxnOperation) Update() *TxnUpdate     { return o.update }

func (o *UpdateTxnOperation) NewReplicateMsg() (*consensus.ReplicateMsg, error) {
	return &consensus.ReplicateMsg{
		OpType:     proto.UpdateTransactionOperation,
		HybridTime: o.state.HybridTime(),
		Payload:    o.update.Marshal(),
	}, nil
}

func (o *UpdateTxnOperation) Prepare() error {
	if o.update.TxnID == uuid.Nil {
		return errors.New("txn update has no transaction id")
	}
	if o.update.Status > TxnAborted {
		return errors.Newf("unknown txn status %d", o.update.Status)
	}
	return nil
}

func (o *UpdateTxnOperation) Replicated(leaderTerm int64) error {
	if err := o.state.Tablet().ApplyUpdateTransaction(o); err != nil {
		return err
	}
	o.state.CompleteWithStatus(nil)
	return nil
}

func (o *UpdateTxnOperation) Aborted(reason error) {
	o.state.CompleteWithStatus(reason)
}

func (o *UpdateTxnOperation) String() string {
	return fmt.Sprintf("UPDATE_TRANSACTION_OP [txn=%s, status=%s]", o.update.TxnID, o.update.Status)
}
