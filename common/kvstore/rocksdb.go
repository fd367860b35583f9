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

package kvstore

import (
	"bytes"
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	rdb "github.com/tecbot/gorocksdb"
)

const defaultCF = CF("default")

type rocksdb struct {
	db   *rdb.DB
	opt  *rdb.Options
	ro   *rdb.ReadOptions
	wo   *rdb.WriteOptions
	fo   *rdb.FlushOptions
	cfMu struct {
		sync.RWMutex
		handles map[CF]*rdb.ColumnFamilyHandle
	}
	cfg Config
}

// NewKVStore opens (or creates) a rocksdb instance with the configured
// column families. The default column family is always present.
func NewKVStore(ctx context.Context, cfg Config) (Store, error) {
	opt := rdb.NewDefaultOptions()
	opt.SetCreateIfMissing(cfg.CreateIfMissing)
	opt.SetCreateIfMissingColumnFamilies(cfg.CreateIfMissing)
	if cfg.WriteBufferSize > 0 {
		opt.SetWriteBufferSize(cfg.WriteBufferSize)
	}
	if cfg.MaxOpenFiles > 0 {
		opt.SetMaxOpenFiles(cfg.MaxOpenFiles)
	}

	cfNames := []string{string(defaultCF)}
	for _, cf := range cfg.ColumnFamilies {
		if cf != defaultCF {
			cfNames = append(cfNames, string(cf))
		}
	}
	cfOpts := make([]*rdb.Options, len(cfNames))
	for i := range cfOpts {
		cfOpts[i] = opt
	}

	db, handles, err := rdb.OpenDbColumnFamilies(opt, cfg.Path, cfNames, cfOpts)
	if err != nil {
		return nil, errors.Info(err, "open rocksdb failed", cfg.Path)
	}

	wo := rdb.NewDefaultWriteOptions()
	wo.SetSync(cfg.Sync)

	s := &rocksdb{
		db:  db,
		opt: opt,
		ro:  rdb.NewDefaultReadOptions(),
		wo:  wo,
		fo:  rdb.NewDefaultFlushOptions(),
		cfg: cfg,
	}
	s.cfMu.handles = make(map[CF]*rdb.ColumnFamilyHandle, len(cfNames))
	for i, name := range cfNames {
		s.cfMu.handles[CF(name)] = handles[i]
	}
	return s, nil
}

func (s *rocksdb) getColumnFamily(col CF) *rdb.ColumnFamilyHandle {
	if col == "" {
		col = defaultCF
	}
	s.cfMu.RLock()
	handle := s.cfMu.handles[col]
	s.cfMu.RUnlock()
	return handle
}

func (s *rocksdb) GetRaw(ctx context.Context, col CF, key []byte) ([]byte, error) {
	handle := s.getColumnFamily(col)
	if handle == nil {
		return nil, ErrNotFound
	}
	slice, err := s.db.GetCF(s.ro, handle, key)
	if err != nil {
		return nil, err
	}
	defer slice.Free()
	if !slice.Exists() {
		return nil, ErrNotFound
	}
	value := make([]byte, slice.Size())
	copy(value, slice.Data())
	return value, nil
}

func (s *rocksdb) SetRaw(ctx context.Context, col CF, key []byte, value []byte) error {
	handle := s.getColumnFamily(col)
	if handle == nil {
		return ErrNotFound
	}
	return s.db.PutCF(s.wo, handle, key, value)
}

func (s *rocksdb) Delete(ctx context.Context, col CF, key []byte) error {
	handle := s.getColumnFamily(col)
	if handle == nil {
		return ErrNotFound
	}
	return s.db.DeleteCF(s.wo, handle, key)
}

func (s *rocksdb) List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader {
	handle := s.getColumnFamily(col)
	iter := s.db.NewIteratorCF(s.ro, handle)
	start := marker
	if start == nil {
		start = prefix
	}
	if start != nil {
		iter.Seek(start)
	} else {
		iter.SeekToFirst()
	}
	return &listReader{iter: iter, prefix: prefix}
}

func (s *rocksdb) Write(ctx context.Context, batch WriteBatch) error {
	return s.db.Write(s.wo, batch.(*writeBatch).batch)
}

func (s *rocksdb) NewWriteBatch() WriteBatch {
	return &writeBatch{store: s, batch: rdb.NewWriteBatch()}
}

func (s *rocksdb) FlushCF(ctx context.Context, col CF) error {
	// gorocksdb exposes flush for the default cf only
	return s.db.Flush(s.fo)
}

func (s *rocksdb) Close() {
	s.cfMu.Lock()
	for _, handle := range s.cfMu.handles {
		handle.Destroy()
	}
	s.cfMu.handles = nil
	s.cfMu.Unlock()

	s.db.Close()
	s.ro.Destroy()
	s.wo.Destroy()
	s.fo.Destroy()
	s.opt.Destroy()
}

type listReader struct {
	iter   *rdb.Iterator
	prefix []byte
}

func (lr *listReader) ReadNextCopy() (key []byte, value []byte, err error) {
	if !lr.iter.Valid() {
		if err = lr.iter.Err(); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil
	}
	ks := lr.iter.Key()
	vs := lr.iter.Value()
	defer ks.Free()
	defer vs.Free()

	if lr.prefix != nil && !bytes.HasPrefix(ks.Data(), lr.prefix) {
		return nil, nil, nil
	}
	key = make([]byte, ks.Size())
	copy(key, ks.Data())
	value = make([]byte, vs.Size())
	copy(value, vs.Data())
	lr.iter.Next()
	return key, value, nil
}

func (lr *listReader) Close() {
	lr.iter.Close()
}

type writeBatch struct {
	store *rocksdb
	batch *rdb.WriteBatch
}

func (w *writeBatch) Put(col CF, key, value []byte) {
	w.batch.PutCF(w.store.getColumnFamily(col), key, value)
}

func (w *writeBatch) Delete(col CF, key []byte) {
	w.batch.DeleteCF(w.store.getColumnFamily(col), key)
}

func (w *writeBatch) DeleteRange(col CF, startKey, endKey []byte) {
	w.batch.DeleteRangeCF(w.store.getColumnFamily(col), startKey, endKey)
}

func (w *writeBatch) Count() int {
	return w.batch.Count()
}

func (w *writeBatch) Close() {
	w.batch.Destroy()
}
