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
	"time"

	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	apierrors "github.com/tabletdb/tabletdb/errors"
	"github.com/tabletdb/tabletdb/metrics"
)

const (
	defaultPreparerWorkers    = 4
	defaultPreparerQueueDepth = 512
)

type PreparerConfig struct {
	Workers    int `json:"workers"`
	QueueDepth int `json:"queue_depth"`
}

// Preparer runs driver prepare tasks on a bounded worker pool. Saturation and
// shutdown reject with typed errors instead of blocking the submitter.
type Preparer struct {
	pool taskpool.TaskPool

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewPreparer(cfg PreparerConfig) *Preparer {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultPreparerWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultPreparerQueueDepth
	}
	return &Preparer{pool: taskpool.New(cfg.Workers, cfg.QueueDepth)}
}

// Submit enqueues d's prepare task. Returns ErrPreparerStopped after Stop and
// ErrPreparerSaturated when the queue is full; in both cases the task never
// ran and the driver has not reached consensus.
func (p *Preparer) Submit(d *OperationDriver) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return apierrors.ErrPreparerStopped
	}
	p.wg.Add(1)
	p.mu.Unlock()

	enqueued := time.Now()
	ok := p.pool.TryRun(func() {
		defer p.wg.Done()
		metrics.OpPrepareQueueTime.Observe(float64(time.Since(enqueued).Microseconds()))
		start := time.Now()
		d.PrepareAndStartTask()
		metrics.OpPrepareRunTime.Observe(float64(time.Since(start).Microseconds()))
	})
	if !ok {
		p.wg.Done()
		return apierrors.ErrPreparerSaturated
	}
	return nil
}

// Stop rejects new submissions, waits for queued tasks to drain, then shuts
// the pool down. Idempotent.
func (p *Preparer) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.wg.Wait()
	p.pool.Close()
}
