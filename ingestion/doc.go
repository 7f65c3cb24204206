// Package ingestion runs the document ingestion task queue.
//
// Submitting a task stores a pending record and returns immediately. A single
// worker drains the queue strictly one task at a time, moving each through
// extraction, chunking, text filtering, chunk persistence, embedding and
// vector indexing. Every phase owns a fixed band of the 0-100 progress scale;
// per-chunk phases advance linearly inside their band.
//
// Cancellation is cooperative: Cancel marks a processing task cancelled and
// the worker abandons the run at its next progress write. Calls already in
// flight, such as an embedding request, are not interrupted.
//
// Pipeline failures are recorded on the task and never stop the worker.
// Chunks written before an embedding failure are kept; the document record is
// only committed once its chunks and vectors are both stored.
package ingestion
