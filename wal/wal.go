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
	"context"
	"encoding/binary"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/tabletdb/tabletdb/common/kvstore"
	"github.com/tabletdb/tabletdb/proto"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	logCF  = kvstore.CF("log")
	metaCF = kvstore.CF("meta")

	defaultSegmentMaxBytes = 8 << 20
)

var (
	entryPrefix   = []byte("e")
	segmentPrefix = []byte("s")
)

// ErrLogStoreClosed rejects writes and GC after Close released the underlying
// store.
var ErrLogStoreClosed = errors.New("log store is closed")

type Config struct {
	SegmentMaxBytes int64          `json:"segment_max_bytes"`
	Store           kvstore.Config `json:"store"`
}

// segment groups consecutive entries for retention accounting. Only closed
// segments are candidates for garbage collection.
type segment struct {
	firstIndex int64
	lastIndex  int64
	sizeBytes  int64
}

// LogStore keeps replicated entries in a rocksdb column family, with segment
// boundaries persisted so retention accounting survives restart.
type LogStore struct {
	store kvstore.Store
	cfg   Config

	mu     sync.RWMutex
	closed []*segment
	open   *segment
	latest proto.OpId
}

func OpenLogStore(ctx context.Context, cfg Config) (*LogStore, error) {
	if cfg.SegmentMaxBytes <= 0 {
		cfg.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	cfg.Store.ColumnFamilies = append(cfg.Store.ColumnFamilies, logCF, metaCF)
	cfg.Store.CreateIfMissing = true

	store, err := kvstore.NewKVStore(ctx, cfg.Store)
	if err != nil {
		return nil, errors.Info(err, "open log kvstore failed")
	}

	ls := &LogStore{store: store, cfg: cfg}
	if err := ls.recover(ctx); err != nil {
		store.Close()
		return nil, errors.Info(err, "recover log store failed")
	}
	return ls, nil
}

// recover rebuilds segment bookkeeping: closed segments from their persisted
// records, the open segment and the latest OpId by scanning entries past the
// last closed boundary.
func (l *LogStore) recover(ctx context.Context) error {
	lr := l.store.List(ctx, metaCF, segmentPrefix, nil)
	defer lr.Close()
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return err
		}
		if key == nil {
			break
		}
		l.closed = append(l.closed, decodeSegment(value))
	}

	scanFrom := int64(1)
	if n := len(l.closed); n > 0 {
		scanFrom = l.closed[n-1].lastIndex + 1
		last := l.closed[n-1]
		l.latest = proto.OpId{Term: 0, Index: last.lastIndex}
	}

	elr := l.store.List(ctx, logCF, entryPrefix, encodeEntryKey(scanFrom))
	defer elr.Close()
	for {
		key, value, err := elr.ReadNextCopy()
		if err != nil {
			return err
		}
		if key == nil {
			break
		}
		entry := &raftpb.Entry{}
		if err := entry.Unmarshal(value); err != nil {
			return errors.Info(err, "unmarshal log entry failed")
		}
		l.accountEntry(entry, int64(len(value)))
	}

	// terms of closed-segment boundaries are not persisted; refresh the
	// latest OpId from the newest scanned entry when one exists
	if l.latest.Index > 0 && l.latest.Term == 0 {
		value, err := l.store.GetRaw(ctx, logCF, encodeEntryKey(l.latest.Index))
		if err != nil {
			return err
		}
		entry := &raftpb.Entry{}
		if err := entry.Unmarshal(value); err != nil {
			return err
		}
		l.latest.Term = int64(entry.Term)
	}
	return nil
}

// Append durably stores entries and advances segment bookkeeping. Entries
// must arrive in index order; the replication layer owns that ordering.
func (l *LogStore) Append(ctx context.Context, entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil {
		return ErrLogStoreClosed
	}

	batch := l.store.NewWriteBatch()
	defer batch.Close()

	sizes := make([]int64, len(entries))
	for i := range entries {
		data, err := entries[i].Marshal()
		if err != nil {
			return errors.Info(err, "marshal log entry failed")
		}
		batch.Put(logCF, encodeEntryKey(int64(entries[i].Index)), data)
		sizes[i] = int64(len(data))
	}

	rolled := make([]*segment, 0)
	for i := range entries {
		l.accountEntry(&entries[i], sizes[i])
		if l.open.sizeBytes >= l.cfg.SegmentMaxBytes {
			batch.Put(metaCF, encodeSegmentKey(l.open.firstIndex), encodeSegment(l.open))
			rolled = append(rolled, l.open)
			l.open = nil
		}
	}
	if err := l.store.Write(ctx, batch); err != nil {
		// roll back in-memory accounting is not attempted: the caller treats
		// an append failure as fatal for the tablet
		return err
	}
	l.closed = append(l.closed, rolled...)
	return nil
}

func (l *LogStore) accountEntry(entry *raftpb.Entry, size int64) {
	index := int64(entry.Index)
	if l.open == nil {
		l.open = &segment{firstIndex: index, lastIndex: index, sizeBytes: size}
	} else {
		l.open.lastIndex = index
		l.open.sizeBytes += size
	}
	l.latest = proto.OpId{Term: int64(entry.Term), Index: index}
}

func (l *LogStore) GetLatestEntryOpId() proto.OpId {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.latest
}

// GC removes closed segments whose entries are all below minIndex and
// returns the number of entries removed. The open segment is never removed.
func (l *LogStore) GC(ctx context.Context, minIndex int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil {
		return 0, ErrLogStoreClosed
	}

	removed := 0
	kept := make([]*segment, 0, len(l.closed))
	batch := l.store.NewWriteBatch()
	defer batch.Close()

	for _, seg := range l.closed {
		if seg.lastIndex >= minIndex {
			kept = append(kept, seg)
			continue
		}
		batch.DeleteRange(logCF, encodeEntryKey(seg.firstIndex), encodeEntryKey(seg.lastIndex+1))
		batch.Delete(metaCF, encodeSegmentKey(seg.firstIndex))
		removed += int(seg.lastIndex - seg.firstIndex + 1)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := l.store.Write(ctx, batch); err != nil {
		return 0, err
	}
	l.closed = kept
	return removed, nil
}

// GetMaxIndexesToSegmentSizeMap reports, for every closed segment eligible
// for GC below minIndex, its max entry index and byte size.
func (l *LogStore) GetMaxIndexesToSegmentSizeMap(minIndex int64) map[int64]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ret := make(map[int64]int64)
	for _, seg := range l.closed {
		if seg.lastIndex < minIndex {
			ret[seg.lastIndex] = seg.sizeBytes
		}
	}
	return ret
}

// GetGCableDataSize returns the total bytes that a GC up to minIndex would
// reclaim.
func (l *LogStore) GetGCableDataSize(minIndex int64) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total int64
	for _, seg := range l.closed {
		if seg.lastIndex < minIndex {
			total += seg.sizeBytes
		}
	}
	return total
}

func (l *LogStore) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store == nil {
		return nil
	}
	if l.open != nil && l.open.sizeBytes > 0 {
		// persist the open segment boundary so recovery can skip a full scan
		batch := l.store.NewWriteBatch()
		batch.Put(metaCF, encodeSegmentKey(l.open.firstIndex), encodeSegment(l.open))
		if err := l.store.Write(context.Background(), batch); err != nil {
			batch.Close()
			return err
		}
		batch.Close()
	}
	l.store.Close()
	l.store = nil
	return nil
}

func encodeEntryKey(index int64) []byte {
	key := make([]byte, len(entryPrefix)+8)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], uint64(index))
	return key
}

func encodeSegmentKey(firstIndex int64) []byte {
	key := make([]byte, len(segmentPrefix)+8)
	copy(key, segmentPrefix)
	binary.BigEndian.PutUint64(key[len(segmentPrefix):], uint64(firstIndex))
	return key
}

func encodeSegment(seg *segment) []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf, uint64(seg.firstIndex))
	binary.BigEndian.PutUint64(buf[8:], uint64(seg.lastIndex))
	binary.BigEndian.PutUint64(buf[16:], uint64(seg.sizeBytes))
	return buf
}

func decodeSegment(data []byte) *segment {
	return &segment{
		firstIndex: int64(binary.BigEndian.Uint64(data)),
		lastIndex:  int64(binary.BigEndian.Uint64(data[8:])),
		sizeBytes:  int64(binary.BigEndian.Uint64(data[16:])),
	}
}
