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
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/tabletdb/tabletdb/proto"
)

// Round is one replication attempt for one replicate message. The replication
// layer assigns its OpId and invokes each callback at most once.
type Round struct {
	msg *ReplicateMsg

	mu           sync.Mutex
	term         int64
	opID         proto.OpId
	appendCb     AppendCallback
	replicatedCb ReplicatedCallback
	appendFired  bool
	finishFired  bool
}

func NewRound(msg *ReplicateMsg, replicatedCb ReplicatedCallback) *Round {
	return &Round{msg: msg, term: UnknownTerm, replicatedCb: replicatedCb}
}

func (r *Round) ReplicateMsg() *ReplicateMsg {
	return r.msg
}

// BindToTerm pins the round to the leader term it was created under, so a
// later leader cannot commit it under a different term.
func (r *Round) BindToTerm(term int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.term != UnknownTerm {
		return errors.Newf("round already bound to term %d", r.term)
	}
	r.term = term
	return nil
}

func (r *Round) BoundTerm() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.term
}

func (r *Round) SetAppendCallback(cb AppendCallback) {
	r.mu.Lock()
	r.appendCb = cb
	r.mu.Unlock()
}

func (r *Round) SetReplicatedCallback(cb ReplicatedCallback) {
	r.mu.Lock()
	r.replicatedCb = cb
	r.mu.Unlock()
}

// SetOpId is called by the replication layer once the entry's position is
// assigned.
func (r *Round) SetOpId(id proto.OpId) {
	r.mu.Lock()
	r.opID = id
	r.mu.Unlock()
}

func (r *Round) OpId() proto.OpId {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opID
}

// NotifyAppend delivers local-log durability to the registered callback,
// at most once.
func (r *Round) NotifyAppend(opID, committedOpID proto.OpId) {
	r.mu.Lock()
	cb := r.appendCb
	fired := r.appendFired
	r.appendFired = true
	r.opID = opID
	r.mu.Unlock()

	if cb != nil && !fired {
		cb(opID, committedOpID)
	}
}

// NotifyReplicationFinished delivers the quorum outcome to the registered
// callback, at most once.
func (r *Round) NotifyReplicationFinished(err error, leaderTerm int64, appliedOpIds *[]proto.OpId) {
	r.mu.Lock()
	cb := r.replicatedCb
	fired := r.finishFired
	r.finishFired = true
	r.mu.Unlock()

	if cb != nil && !fired {
		cb(err, leaderTerm, appliedOpIds)
	}
}
