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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnchorRegistry(t *testing.T) {
	r := NewAnchorRegistry()

	_, err := r.GetEarliestRegisteredLogIndex()
	require.Equal(t, ErrNoLogAnchors, err)

	a := r.Register(10, "reader-a")
	b := r.Register(5, "reader-b")
	c := r.Register(5, "reader-c")
	require.Equal(t, 3, r.Len())

	idx, err := r.GetEarliestRegisteredLogIndex()
	require.NoError(t, err)
	require.Equal(t, int64(5), idx)

	require.NoError(t, r.Unregister(b))
	idx, err = r.GetEarliestRegisteredLogIndex()
	require.NoError(t, err)
	require.Equal(t, int64(5), idx)

	require.NoError(t, r.Unregister(c))
	idx, err = r.GetEarliestRegisteredLogIndex()
	require.NoError(t, err)
	require.Equal(t, int64(10), idx)

	require.NoError(t, r.UpdateRegistration(a, 20))
	idx, err = r.GetEarliestRegisteredLogIndex()
	require.NoError(t, err)
	require.Equal(t, int64(20), idx)

	require.NoError(t, r.Unregister(a))
	require.Equal(t, ErrAnchorNotRegistered, r.Unregister(a))
	_, err = r.GetEarliestRegisteredLogIndex()
	require.Equal(t, ErrNoLogAnchors, err)
}

func TestAnchorUpdateUnregistered(t *testing.T) {
	r := NewAnchorRegistry()
	a := r.Register(1, "reader")
	require.NoError(t, r.Unregister(a))
	require.Equal(t, ErrAnchorNotRegistered, r.UpdateRegistration(a, 2))
}
