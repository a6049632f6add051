package queue

import (
	"context"

	"go.uber.org/zap"

	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/types"
)

// resolveConflict applies the configured strategy to a version conflict
// reported by the executor. rec has already been persisted as IN_FLIGHT.
func (q *Queue) resolveConflict(ctx context.Context, rec *types.QueuedOperation, conflictErr error) {
	q.log.Info("queue: conflict on operation",
		zap.String("id", rec.ID),
		zap.String("type", rec.Type),
		zap.String("strategy", string(q.strategy)))

	switch q.strategy {
	case types.ConflictServerWins:
		// The server's version stands. Drop the local operation and
		// invalidate the keys it targeted so readers refetch the winner.
		q.complete(ctx, rec)

	case types.ConflictClientWins:
		q.reissue(ctx, rec)

	case types.ConflictMerge:
		merged, err := q.merge(rec.Variables, errors.ConflictState(conflictErr))
		if err != nil {
			q.deadLetter(ctx, rec, errors.Wrap(errors.ErrCodeConflict, "merge function failed", err))
			return
		}
		if merged != nil {
			rec.Variables = merged
		}
		q.reissue(ctx, rec)

	case types.ConflictManual:
		q.deadLetter(ctx, rec, conflictErr)
	}
}

// reissue executes the operation once more, unconditionally. A second
// conflict dead-letters rather than loops.
func (q *Queue) reissue(ctx context.Context, rec *types.QueuedOperation) {
	rec.AttemptCount++
	if err := q.persist(ctx, rec); err != nil {
		q.log.Warn("queue: persist before reissue failed", zap.String("id", rec.ID), zap.Error(err))
		return
	}

	_, err := q.exec.Execute(ctx, rec.Type, rec.Variables, rec.IdempotencyKey)
	switch {
	case err == nil:
		q.complete(ctx, rec)
	case errors.IsConflict(err):
		q.deadLetter(ctx, rec, errors.Wrap(errors.ErrCodeConflict, "conflict persisted after reissue", err))
	case errors.IsRetryable(err):
		q.recordFailure(ctx, rec, err)
	default:
		q.deadLetter(ctx, rec, err)
	}
}
