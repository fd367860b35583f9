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

	apierrors "github.com/tabletdb/tabletdb/errors"
	"github.com/tabletdb/tabletdb/metrics"
	"github.com/tabletdb/tabletdb/proto"
	"github.com/tabletdb/tabletdb/util/limiter"
)

type OperationTrackerConfig struct {
	// MaxInFlightOperations caps concurrently tracked drivers. Zero or
	// negative means unlimited.
	MaxInFlightOperations int `json:"max_in_flight_operations"`
}

// OperationTracker holds every driver from registration to its terminal
// state. Shutdown drains through it: no new driver can be added once the dual
// signals are in flight, and WaitForAllToFinish blocks until the set empties.
type OperationTracker struct {
	limit limiter.CountLimit

	mu   sync.Mutex
	cond *sync.Cond
	ops  map[*OperationDriver]struct{}
}

func NewOperationTracker(cfg OperationTrackerConfig) *OperationTracker {
	t := &OperationTracker{
		ops: make(map[*OperationDriver]struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	if cfg.MaxInFlightOperations > 0 {
		t.limit = limiter.NewCountLimit(cfg.MaxInFlightOperations)
	}
	return t
}

// Add registers a driver. A full tracker rejects with a typed error so the
// caller can push back without side effects.
func (t *OperationTracker) Add(d *OperationDriver) error {
	if t.limit != nil {
		if err := t.limit.Acquire(); err != nil {
			return apierrors.ErrTooManyOperations
		}
	}
	t.mu.Lock()
	t.ops[d] = struct{}{}
	t.mu.Unlock()
	metrics.InFlightOperations.Inc()
	return nil
}

// Release removes a driver after it reached a terminal state. Releasing an
// untracked driver is an accounting bug and fatal. If appliedOpIds is
// non-nil and the driver holds a valid position, it is appended for the
// caller's post-apply bookkeeping.
func (t *OperationTracker) Release(d *OperationDriver, appliedOpIds *[]proto.OpId) {
	t.mu.Lock()
	if _, ok := t.ops[d]; !ok {
		t.mu.Unlock()
		fatalf("releasing an operation driver that is not tracked: %s", d)
		return
	}
	delete(t.ops, d)
	if len(t.ops) == 0 {
		t.cond.Broadcast()
	}
	t.mu.Unlock()

	if t.limit != nil {
		t.limit.Release()
	}
	metrics.InFlightOperations.Dec()

	if appliedOpIds != nil {
		if id := d.GetOpId(); id.Valid() {
			*appliedOpIds = append(*appliedOpIds, id)
		}
	}
}

// GetPendingOperations snapshots the tracked drivers.
func (t *OperationTracker) GetPendingOperations() []*OperationDriver {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*OperationDriver, 0, len(t.ops))
	for d := range t.ops {
		out = append(out, d)
	}
	return out
}

func (t *OperationTracker) OperationsInFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// WaitForAllToFinish blocks until the tracker is empty.
func (t *OperationTracker) WaitForAllToFinish() {
	t.mu.Lock()
	for len(t.ops) > 0 {
		t.cond.Wait()
	}
	t.mu.Unlock()
}
