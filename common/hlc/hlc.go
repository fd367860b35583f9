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

package hlc

import (
	"sync/atomic"
	"time"

	"github.com/tabletdb/tabletdb/proto"
)

// Clock is a hybrid logical clock. Now never goes backwards and Update keeps
// the clock ahead of every timestamp observed from remote peers.
type Clock struct {
	last uint64
}

func NewClock() *Clock {
	return &Clock{}
}

func (c *Clock) Now() proto.HybridTime {
	physical := uint64(time.Now().UnixNano()/1000) << proto.HybridTimeLogicalBits
	for {
		last := atomic.LoadUint64(&c.last)
		next := physical
		if next <= last {
			next = last + 1
		}
		if atomic.CompareAndSwapUint64(&c.last, last, next) {
			return proto.HybridTime(next)
		}
	}
}

// Update advances the clock to at least ht.
func (c *Clock) Update(ht proto.HybridTime) {
	for {
		last := atomic.LoadUint64(&c.last)
		if uint64(ht) <= last {
			return
		}
		if atomic.CompareAndSwapUint64(&c.last, last, uint64(ht)) {
			return
		}
	}
}
