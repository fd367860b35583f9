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
	"github.com/tabletdb/tabletdb/consensus"
	"github.com/tabletdb/tabletdb/proto"
)

// TruncateOperation replicates a whole-tablet truncation. It carries no
// payload; all ordering information is in the assigned position.
type TruncateOperation struct {
	state *OperationState
}

func NewTruncateOperation(state *OperationState) *TruncateOperation {
	return &TruncateOperation{state: state}
}

func (o *TruncateOperation) OperationType() proto.OperationType { return proto.TruncateOperation }
func (o *TruncateOperation) State() *OperationState             { return o.state }

func (o *TruncateOperation) NewReplicateMsg() (*consensus.ReplicateMsg, error) {
	return &consensus.ReplicateMsg{
		OpType:     proto.TruncateOperation,
		HybridTime: o.state.HybridTime(),
	}, nil
}

func (o *TruncateOperation) Prepare() error { return nil }

func (o *TruncateOperation) Replicated(leaderTerm int64) error {
	if err := o.state.Tablet().ApplyTruncate(o); err != nil {
		return err
	}
	o.state.CompleteWithStatus(nil)
	return nil
}

func (o *TruncateOperation) Aborted(reason error) {
	o.state.CompleteWithStatus(reason)
}

func (o *TruncateOperation) String() string {
	return "TRUNCATE_OP"
}
