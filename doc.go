/*
 *
 * Copyright 2023 The TabletDB Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# TabletDB: the per-tablet write execution pipeline

## What lives here

The write path of one tablet replica, from a client request to the moment
the operation is durably applied on a quorum:

* Tablet Peer - owns a tablet's lifecycle and routes operations between the
  storage layer, the write-ahead log and the replication layer

* Operation Driver - drives one operation through its two racing signals,
  local prepare and quorum replication, and applies it exactly once

* Preparer - the bounded worker pool running prepare tasks

* Operation Tracker - holds every in-flight operation so shutdown and log
  retention can account for them


## Operations

* Write - an atomic batch of document mutations

* AlterSchema - a versioned schema change

* UpdateTransaction - a transaction status transition, on status tablets

* Truncate - whole-tablet truncation


## Log retention

The log keeps every entry some consumer still needs: unflushed storage
data, registered anchors, in-flight operations, the transaction
coordinator's recovery floor and the last committed position. Garbage
collection removes whole closed segments below the folded minimum.


## Building Blocks

* Rocksdb
* etcd raft wire types
* Prometheus

*/

package tabletdb
