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

package errors

import "errors"

var (
	// Lifecycle illegal-state errors. Returned without side effects when an
	// entry point is used from the wrong tablet state.
	ErrTabletNotRunning   = errors.New("the tablet is not in a running state")
	ErrTabletShuttingDown = errors.New("the tablet is already shutting down or shut down")
	ErrInvalidTabletState = errors.New("invalid tablet state for this transition")

	// ErrWaitTimedOut is distinguishable from the illegal-state errors above:
	// the state was legal but the replication layer did not become ready in
	// time.
	ErrWaitTimedOut = errors.New("timed out waiting for the replication layer to become ready")

	// ErrNotLeader rejects leader-side submission on a peer that does not
	// currently hold a lease.
	ErrNotLeader = errors.New("this tablet peer is not the leader")

	// Pre-replication recoverable submission failures.
	ErrTooManyOperations = errors.New("too many operations in flight for this tablet")
	ErrPreparerStopped   = errors.New("the preparer is shutting down")
	ErrPreparerSaturated = errors.New("the preparer queue is full")

	// ErrAlreadyReplicating rejects an abort once replicated state can no
	// longer be rolled back.
	ErrAlreadyReplicating = errors.New("cannot abort an operation that has started replicating")

	ErrOperationAborted = errors.New("operation aborted")
)
