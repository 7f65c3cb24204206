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


package badger

// Stores bundles every repository opened on one backend.
type Stores struct {
	Backend   *Backend
	Tasks     *TaskRepository
	Tenants   *TenantRepository
	Documents *DocumentRepository
	Chunks    *ChunkRepository
}

// OpenStores opens a backend at filePath (or in memory) and creates every repository on it.
func OpenStores(filePath string, inMemory bool) (*Stores, error) {
	backend, err := OpenBackend(filePath, inMemory)
	if err != nil {
		return nil, err
	}

	documents, err := NewDocumentRepository(backend)
	if err != nil {
		backend.Close()
		return nil, err
	}

	chunks, err := NewChunkRepository(backend)
	if err != nil {
		documents.Close()
		backend.Close()
		return nil, err
	}

	return &Stores{
		Backend:   backend,
		Tasks:     NewTaskRepository(backend),
		Tenants:   NewTenantRepository(backend),
		Documents: documents,
		Chunks:    chunks,
	}, nil
}

// NewMemoryStores opens an in-memory backend with every repository, for tests.
func NewMemoryStores() (*Stores, error) {
	return OpenStores("", true)
}

// Close releases the sequences and closes the backend.
func (s *Stores) Close() error {
	if err := s.Chunks.Close(); err != nil {
		s.Backend.Close()
		return err
	}
	if err := s.Documents.Close(); err != nil {
		s.Backend.Close()
		return err
	}
	return s.Backend.Close()
}
