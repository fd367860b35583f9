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
	"github.com/tabletdb/tabletdb/proto"
)

// UnknownTerm marks the replica path: the entry is already ordered by the
// replication layer and must not be bound to a leader term.
const UnknownTerm int64 = -1

type LeaderStatus int

const (
	NotLeader LeaderStatus = iota
	LeaderButNoOpLease
	LeaderAndReady
)

// AppendCallback fires once the round's entry is durable in the local log.
type AppendCallback func(opID, committedOpID proto.OpId)

// ReplicatedCallback fires once a quorum has durably accepted the round (err
// nil) or replication has permanently failed (err non-nil). appliedOpIds, if
// non-nil, collects the positions of operations applied on this callback's
// invocation for batched post-apply bookkeeping.
type ReplicatedCallback func(err error, leaderTerm int64, appliedOpIds *[]proto.OpId)

// Consensus is the replication collaborator of a tablet peer. Protocol
// internals (elections, log matching) live behind this interface.
type Consensus interface {
	// NewRound wraps msg into a replication round. replicatedCb is invoked
	// asynchronously at most once.
	NewRound(msg *ReplicateMsg, replicatedCb ReplicatedCallback) *Round
	// Replicate submits a bound round for replication. The append and
	// replicated callbacks fire asynchronously after a successful submit.
	Replicate(round *Round) error
	IsRunning() bool
	LeaderStatus() LeaderStatus
	// LeaderTerm returns the current term when this peer is the leader and
	// ready to serve, UnknownTerm otherwise.
	LeaderTerm() int64
	// GetLastCommittedOpId returns the latest quorum-agreed position, used by
	// log retention to always keep one committed entry.
	GetLastCommittedOpId() proto.OpId
	Shutdown()
}
