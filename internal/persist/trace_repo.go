package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/netreef/replica/internal/trace"
)

// TraceRepo journals replication frame records for post-mortem analysis.
type TraceRepo struct {
	db *DB
}

func NewTraceRepo(db *DB) *TraceRepo {
	return &TraceRepo{db: db}
}

// WriteFrames atomically writes a batch of trace frames in one transaction.
// The caller keeps the batch and retries on error.
func (r *TraceRepo) WriteFrames(ctx context.Context, frames []trace.Frame) error {
	if len(frames) == 0 {
		return nil
	}
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("trace begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, f := range frames {
		if _, err := tx.Exec(ctx,
			`INSERT INTO replication_trace (frame, recorded_at, objects, connections, bytes_sent)
			 VALUES ($1, $2, $3, $4, $5)`,
			int64(f.Frame), f.At, f.Objects, f.Connections, f.BytesSent,
		); err != nil {
			return fmt.Errorf("trace insert: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// Prune deletes trace rows older than the retention window.
func (r *TraceRepo) Prune(ctx context.Context, retention time.Duration) error {
	_, err := r.db.Pool.Exec(ctx,
		`DELETE FROM replication_trace WHERE recorded_at < $1`,
		time.Now().Add(-retention),
	)
	return err
}
