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

package wal

import (
	"errors"
	"sync"
	"time"

	"github.com/cubefs/cubefs/util/btree"
)

var (
	ErrNoLogAnchors       = errors.New("no log anchors registered")
	ErrAnchorNotRegistered = errors.New("log anchor is not registered")
)

// LogAnchor pins all log entries at or above its index against garbage
// collection until unregistered.
type LogAnchor struct {
	index      int64
	seq        uint64
	owner      string
	registered time.Time
}

func (a *LogAnchor) Less(than btree.Item) bool {
	other := than.(*LogAnchor)
	if a.index != other.index {
		return a.index < other.index
	}
	return a.seq < other.seq
}

func (a *LogAnchor) Copy() btree.Item {
	anchor := *a
	return &anchor
}

func (a *LogAnchor) Owner() string {
	return a.owner
}

// AnchorRegistry tracks caller-held log anchors ordered by index, so the
// retention computation can ask for the earliest pinned position.
type AnchorRegistry struct {
	mu      sync.Mutex
	tree    *btree.BTree
	nextSeq uint64
}

func NewAnchorRegistry() *AnchorRegistry {
	return &AnchorRegistry{tree: btree.New(8)}
}

func (r *AnchorRegistry) Register(index int64, owner string) *LogAnchor {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	anchor := &LogAnchor{
		index:      index,
		seq:        r.nextSeq,
		owner:      owner,
		registered: time.Now(),
	}
	r.tree.ReplaceOrInsert(anchor)
	return anchor
}

// UpdateRegistration moves an existing anchor to a new index.
func (r *AnchorRegistry) UpdateRegistration(anchor *LogAnchor, index int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tree.Delete(anchor) == nil {
		return ErrAnchorNotRegistered
	}
	anchor.index = index
	r.tree.ReplaceOrInsert(anchor)
	return nil
}

func (r *AnchorRegistry) Unregister(anchor *LogAnchor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tree.Delete(anchor) == nil {
		return ErrAnchorNotRegistered
	}
	return nil
}

// GetEarliestRegisteredLogIndex returns the minimum pinned index, or
// ErrNoLogAnchors when nothing is registered.
func (r *AnchorRegistry) GetEarliestRegisteredLogIndex() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	min := r.tree.Min()
	if min == nil {
		return 0, ErrNoLogAnchors
	}
	return min.(*LogAnchor).index, nil
}

func (r *AnchorRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Len()
}
