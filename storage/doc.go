// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package storage defines the record stores behind kbingest.
//
// The interfaces here cover the four persistent record families:
//
//   - TaskRepository: ingestion tasks and their lifecycle state
//   - TenantRepository: knowledge bases and their owners
//   - DocumentRepository: committed documents, indexed by tenant
//   - ChunkRepository: chunk text, content hashes and vector assignments
//
// The badger subpackage implements all of them on one BadgerDB instance:
//
//	stores, err := badger.OpenStores("/path/to/db", false)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stores.Close()
//
// Tests use badger.NewMemoryStores for an in-memory database.
//
// Vectors are not stored here. A chunk only records the id of its vector in
// the tenant's index; see package vectorindex.
//
// # Serialization
//
// Records are encoded with the mus-go codecs in package core. MarshalX and
// UnmarshalX wrap those codecs for the repositories; decoding a truncated or
// foreign record fails with core.ErrCorruptRecord.
//
// All repository methods accept context.Context and are safe for
// concurrent use.
package storage
