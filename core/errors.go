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


package core

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates malformed or missing input. It is raised before any I/O.
	ErrValidation = errors.New("validation failed")

	// ErrPermissionDenied indicates the requester neither owns the tenant nor is an admin.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrExtraction indicates the text extractor could not produce text for a source.
	ErrExtraction = errors.New("text extraction failed")

	// ErrEmbedding indicates the embedding backend failed.
	ErrEmbedding = errors.New("embedding failed")

	// ErrIndexIO indicates vector index artifacts are missing, unreadable or unwritable.
	ErrIndexIO = errors.New("index io failure")

	// ErrTenantNotFound indicates the tenant record does not exist.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrTaskNotFound indicates the task record does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTransition indicates a task status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrTaskFinalized indicates a write against a task already in a terminal state.
	ErrTaskFinalized = errors.New("task already finalized")

	// ErrTaskProcessing indicates an operation that requires a non-processing task.
	ErrTaskProcessing = errors.New("task is processing")

	// ErrEmptyContent indicates a content field is empty.
	ErrEmptyContent = errors.New("content cannot be empty")
)

// TaskError records which pipeline phase failed. It unwraps to the
// underlying cause so errors.Is works against the sentinels above.
type TaskError struct {
	Phase string
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}
