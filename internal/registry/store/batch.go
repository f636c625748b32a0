package store

import (
	"context"
	"errors"
	"slices"
)

// BatchOpKind identifies a batched write.
type BatchOpKind int

const (
	BatchSet BatchOpKind = iota
	BatchUpdate
	BatchDelete
)

// BatchOp is one write of a WriteBatch.
type BatchOp struct {
	Kind       BatchOpKind
	Collection string
	ID         string
	Fields     map[string]any
}

// CommitFunc applies ops atomically.
type CommitFunc func(ctx context.Context, ops []BatchOp) error

// ErrBatchCommitted is returned when a batch is committed twice.
var ErrBatchCommitted = errors.New("batch already committed")

// WriteBatch collects writes that are applied all-or-nothing by Commit.
// An Update of a missing document fails the whole batch with *NotFoundError.
type WriteBatch struct {
	ops       []BatchOp
	commit    CommitFunc
	committed bool
}

// NewWriteBatch is used by store implementations to hand out batches.
func NewWriteBatch(commit CommitFunc) *WriteBatch {
	return &WriteBatch{commit: commit}
}

func (b *WriteBatch) Set(collection, id string, fields map[string]any) *WriteBatch {
	b.ops = append(b.ops, BatchOp{Kind: BatchSet, Collection: collection, ID: id, Fields: fields})
	return b
}

func (b *WriteBatch) Update(collection, id string, patch map[string]any) *WriteBatch {
	b.ops = append(b.ops, BatchOp{Kind: BatchUpdate, Collection: collection, ID: id, Fields: patch})
	return b
}

func (b *WriteBatch) Delete(collection, id string) *WriteBatch {
	b.ops = append(b.ops, BatchOp{Kind: BatchDelete, Collection: collection, ID: id})
	return b
}

// Append adds already-built ops, e.g. when a wrapper forwards a batch.
func (b *WriteBatch) Append(ops ...BatchOp) *WriteBatch {
	b.ops = append(b.ops, ops...)
	return b
}

// Len returns the number of queued writes.
func (b *WriteBatch) Len() int { return len(b.ops) }

// Commit applies all queued writes. An empty batch commits trivially.
func (b *WriteBatch) Commit(ctx context.Context) error {
	if b.committed {
		return ErrBatchCommitted
	}
	b.committed = true
	if len(b.ops) == 0 {
		return nil
	}
	return b.commit(ctx, b.ops)
}

// Collections returns the distinct collections touched by ops.
func Collections(ops []BatchOp) []string {
	var out []string
	for _, op := range ops {
		if !slices.Contains(out, op.Collection) {
			out = append(out, op.Collection)
		}
	}
	return out
}
