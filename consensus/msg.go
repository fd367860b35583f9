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

package consensus

import (
	"encoding/binary"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/tabletdb/tabletdb/proto"
)

// ReplicateMsg is the durable payload of one replication round.
type ReplicateMsg struct {
	OpType           proto.OperationType
	HybridTime       proto.HybridTime
	MonotonicCounter int64
	Payload          []byte
}

const replicateMsgHeaderSize = 1 + 8 + 8 + 4

func (m *ReplicateMsg) Marshal() []byte {
	buf := make([]byte, replicateMsgHeaderSize+len(m.Payload))
	buf[0] = byte(m.OpType)
	binary.BigEndian.PutUint64(buf[1:], uint64(m.HybridTime))
	binary.BigEndian.PutUint64(buf[9:], uint64(m.MonotonicCounter))
	binary.BigEndian.PutUint32(buf[17:], uint32(len(m.Payload)))
	copy(buf[replicateMsgHeaderSize:], m.Payload)
	return buf
}

func (m *ReplicateMsg) Unmarshal(data []byte) error {
	if len(data) < replicateMsgHeaderSize {
		return errors.Newf("replicate msg too short: %d bytes", len(data))
	}
	m.OpType = proto.OperationType(data[0])
	m.HybridTime = proto.HybridTime(binary.BigEndian.Uint64(data[1:]))
	m.MonotonicCounter = int64(binary.BigEndian.Uint64(data[9:]))
	payloadLen := binary.BigEndian.Uint32(data[17:])
	if uint32(len(data)-replicateMsgHeaderSize) != payloadLen {
		return errors.Newf("replicate msg payload length mismatch: header %d, got %d",
			payloadLen, len(data)-replicateMsgHeaderSize)
	}
	m.Payload = make([]byte, payloadLen)
	copy(m.Payload, data[replicateMsgHeaderSize:])
	return nil
}
