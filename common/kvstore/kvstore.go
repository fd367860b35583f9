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
	"context"
	"errors"
)

var ErrNotFound = errors.New("key not found")

type (
	// CF names a column family.
	CF string

	Store interface {
		GetRaw(ctx context.Context, col CF, key []byte) (value []byte, err error)
		SetRaw(ctx context.Context, col CF, key []byte, value []byte) error
		Delete(ctx context.Context, col CF, key []byte) error
		// List iterates col in key order starting at marker (or the first key
		// with prefix when marker is nil).
		List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader
		Write(ctx context.Context, batch WriteBatch) error
		NewWriteBatch() WriteBatch
		FlushCF(ctx context.Context, col CF) error
		Close()
	}

	ListReader interface {
		// ReadNextCopy returns copies of the next key/value pair, or nil key
		// when the prefix range is exhausted.
		ReadNextCopy() (key []byte, value []byte, err error)
		Close()
	}

	WriteBatch interface {
		Put(col CF, key, value []byte)
		Delete(col CF, key []byte)
		DeleteRange(col CF, startKey, endKey []byte)
		Count() int
		Close()
	}

	Config struct {
		Path            string `json:"path"`
		ColumnFamilies  []CF   `json:"column_families"`
		CreateIfMissing bool   `json:"create_if_missing"`
		Sync            bool   `json:"sync"`
		WriteBufferSize int    `json:"write_buffer_size"`
		MaxOpenFiles    int    `json:"max_open_files"`
	}
)
