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
	"encoding/binary"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/tabletdb/tabletdb/consensus"
	"github.com/tabletdb/tabletdb/proto"
)

// SchemaChange is the replicated payload of a schema alteration: an opaque
// encoded schema plus its monotonically increasing version.
type SchemaChange struct {
	Version uint32
	Schema  []byte
}

func (c *SchemaChange) Marshal() []byte {
	buf := make([]byte, 4+len(c.Schema))
	binary.BigEndian.PutUint32(buf, c.Version)
	copy(buf[4:], c.Schema)
	return buf
}

func (c *SchemaChange) Unmarshal(data []byte) error {
	if len(data) < 4 {
		return errors.Newf("schema change too short: %d bytes", len(data))
	}
	c.Version = binary.BigEndian.Uint32(data)
	c.Schema = make([]byte, len(data)-4)
	copy(c.Schema, data[4:])
	return nil
}

// AlterSchemaOperation replicates and applies one schema change.
type AlterSchemaOperation struct {
	state  *OperationState
	change *SchemaChange
}

func NewAlterSchemaOperation(state *OperationState, change *SchemaChange) *AlterSchemaOperation {
	return &AlterSchemaOperation{state: state, change: change}
}

func (o *AlterSchemaOperation) OperationType() proto.OperationType { return proto.AlterSchemaOperation }
func (o *AlterSchemaOperation) State() *OperationState             { return o.state }
func (o *AlterSchemaOperation) Change() *SchemaChange              { return o.change }

func (o *AlterSchemaOperation) NewReplicateMsg() (*consensus.ReplicateMsg, error) {
	return &consensus.ReplicateMsg{
		OpType:     proto.AlterSchemaOperation,
		HybridTime: o.state.HybridTime(),
		Payload:    o.change.Marshal(),
	}, nil
}

func (o *AlterSchemaOperation) Prepare() error {
	if o.change.Version == 0 {
		return errors.New("schema change has no version")
	}
	if len(o.change.Schema) == 0 {
		return errors.New("schema change carries no schema")
	}
	return nil
}

func (o *AlterSchemaOperation) Replicated(leaderTerm int64) error {
	if err := o.state.Tablet().ApplyAlterSchema(o); err != nil {
		return err
	}
	o.state.CompleteWithStatus(nil)
	return nil
}

func (o *AlterSchemaOperation) Aborted(reason error) {
	o.state.CompleteWithStatus(reason)
}

func (o *AlterSchemaOperation) String() string {
	return fmt.Sprintf("ALTER_SCHEMA_OP [version=%d]", o.change.Version)
}
