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
	"time"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/tabletdb/tabletdb/consensus"
	"github.com/tabletdb/tabletdb/proto"
)

// DocOperation is one key mutation inside a write batch.
type DocOperation struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// WriteRequest is an atomic batch of document mutations against one tablet.
type WriteRequest struct {
	Docs []DocOperation
}

const docOpDeleteFlag = 0x1

func (r *WriteRequest) Marshal() []byte {
	size := 4
	for i := range r.Docs {
		size += 1 + 4 + len(r.Docs[i].Key) + 4 + len(r.Docs[i].Value)
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf, uint32(len(r.Docs)))
	off := 4
	for i := range r.Docs {
		doc := &r.Docs[i]
		if doc.Delete {
			buf[off] = docOpDeleteFlag
		}
		off++
		binary.BigEndian.PutUint32(buf[off:], uint32(len(doc.Key)))
		off += 4
		off += copy(buf[off:], doc.Key)
		binary.BigEndian.PutUint32(buf[off:], uint32(len(doc.Value)))
		off += 4
		off += copy(buf[off:], doc.Value)
	}
	return buf
}

func (r *WriteRequest) Unmarshal(data []byte) error {
	if len(data) < 4 {
		return errors.Newf("write request too short: %d bytes", len(data))
	}
	count := binary.BigEndian.Uint32(data)
	off := 4
	docs := make([]DocOperation, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data)-off < 5 {
			return errors.Newf("write request truncated at doc %d", i)
		}
		flags := data[off]
		off++
		keyLen := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if len(data)-off < keyLen+4 {
			return errors.Newf("write request truncated at doc %d key", i)
		}
		key := make([]byte, keyLen)
		copy(key, data[off:])
		off += keyLen
		valLen := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if len(data)-off < valLen {
			return errors.Newf("write request truncated at doc %d value", i)
		}
		val := make([]byte, valLen)
		copy(val, data[off:])
		off += valLen
		docs = append(docs, DocOperation{Key: key, Value: val, Delete: flags&docOpDeleteFlag != 0})
	}
	if off != len(data) {
		return errors.Newf("write request has %d trailing bytes", len(data)-off)
	}
	r.Docs = docs
	return nil
}

// WriteOperation replicates and applies one write batch.
type WriteOperation struct {
	state    *OperationState
	request  *WriteRequest
	deadline time.Time
}

func NewWriteOperation(state *OperationState, request *WriteRequest, deadline time.Time) *WriteOperation {
	return &WriteOperation{state: state, request: request, deadline: deadline}
}

func (o *WriteOperation) OperationType() proto.OperationType { return proto.WriteOperation }
func (o *WriteOperation) State() *OperationState             { return o.state }
func (o *WriteOperation) Request() *WriteRequest             { return o.request }
func (o *WriteOperation) Deadline() time.Time                { return o.deadline }

func (o *WriteOperation) NewReplicateMsg() (*consensus.ReplicateMsg, error) {
	return &consensus.ReplicateMsg{
		OpType:     proto.WriteOperation,
		HybridTime: o.state.HybridTime(),
		Payload:    o.request.Marshal(),
	}, nil
}

func (o *WriteOperation) Prepare() error {
	if len(o.request.Docs) == 0 {
		return errors.New("write request carries no doc operations")
	}
	for i := range o.request.Docs {
		if len(o.request.Docs[i].Key) == 0 {
			return errors.Newf("doc operation %d has an empty key", i)
		}
	}
	if !o.deadline.IsZero() && time.Now().After(o.deadline) {
		return errors.Newf("write deadline %s already passed", o.deadline.Format(time.RFC3339Nano))
	}
	return nil
}

func (o *WriteOperation) Replicated(leaderTerm int64) error {
	if err := o.state.Tablet().ApplyWrite(o, leaderTerm); err != nil {
		return err
	}
	o.state.CompleteWithStatus(nil)
	return nil
}

func (o *WriteOperation) Aborted(reason error) {
	o.state.CompleteWithStatus(reason)
}

func (o *WriteOperation) String() string {
	return fmt.Sprintf("WRITE_OP [docs=%d, hybrid_time=%s]", len(o.request.Docs), o.state.HybridTime())
}
