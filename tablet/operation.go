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
	"sync"

	"github.com/tabletdb/tabletdb/consensus"
	"github.com/tabletdb/tabletdb/proto"
)

// CompletionCallback is invoked exactly once when an operation reaches a
// terminal state. A nil error means the operation was applied.
type CompletionCallback func(err error)

// Operation is one replicated state change. Prepare runs on the preparer
// pool before replication completes; Replicated applies the change and is
// only called after the entry is both prepared and durable.
type Operation interface {
	OperationType() proto.OperationType
	State() *OperationState

	NewReplicateMsg() (*consensus.ReplicateMsg, error)
	Prepare() error
	Replicated(leaderTerm int64) error
	Aborted(reason error)

	String() string
}

// OperationState carries the pieces shared by every operation type: the
// tablet it targets, its assigned timestamp and log position, the consensus
// round replicating it, and the caller's completion callback.
type OperationState struct {
	tablet Tablet

	mu         sync.Mutex
	hybridTime proto.HybridTime
	opID       proto.OpId
	round      *consensus.Round

	completionCb CompletionCallback
	completeOnce sync.Once
}

func NewOperationState(tablet Tablet) *OperationState {
	return &OperationState{tablet: tablet}
}

func (s *OperationState) Tablet() Tablet {
	return s.tablet
}

func (s *OperationState) SetCompletionCallback(cb CompletionCallback) {
	s.mu.Lock()
	s.completionCb = cb
	s.mu.Unlock()
}

// CompleteWithStatus fires the completion callback. Later calls are ignored,
// so an abort racing a late apply cannot signal the caller twice.
func (s *OperationState) CompleteWithStatus(err error) {
	s.completeOnce.Do(func() {
		s.mu.Lock()
		cb := s.completionCb
		s.mu.Unlock()
		if cb != nil {
			cb(err)
		}
	})
}

func (s *OperationState) SetHybridTime(ht proto.HybridTime) {
	s.mu.Lock()
	s.hybridTime = ht
	s.mu.Unlock()
}

func (s *OperationState) HybridTime() proto.HybridTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hybridTime
}

func (s *OperationState) SetOpId(id proto.OpId) {
	s.mu.Lock()
	s.opID = id
	s.mu.Unlock()
}

func (s *OperationState) OpId() proto.OpId {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opID
}

func (s *OperationState) SetConsensusRound(round *consensus.Round) {
	s.mu.Lock()
	s.round = round
	s.mu.Unlock()
}

func (s *OperationState) ConsensusRound() *consensus.Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}
