package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StartRun records the beginning of a run.
func (q *queries) StartRun(ctx context.Context, id, command string, startedAt time.Time) error {
	_, err := q.exec(ctx,
		`INSERT INTO run_reports (id, command, started_at, status) VALUES (?, ?, ?, ?)`,
		id, command, q.timeArg(startedAt), RunRunning,
	)
	if err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	return nil
}

// FinishRun closes a run with its final status, summary and error text.
func (q *queries) FinishRun(ctx context.Context, id, status, summary string, runErr error, finishedAt time.Time) error {
	var errText *string
	if runErr != nil {
		s := runErr.Error()
		errText = &s
	}
	_, err := q.exec(ctx,
		`UPDATE run_reports SET finished_at = ?, status = ?, summary = ?, error = ? WHERE id = ?`,
		q.timeArg(finishedAt), status, summary, errText, id,
	)
	if err != nil {
		return fmt.Errorf("recording run finish: %w", err)
	}
	return nil
}

// LastRun returns the most recently started run, or nil if none exist.
func (q *queries) LastRun(ctx context.Context) (*RunReport, error) {
	var r RunReport
	var started, finished nullTime
	err := q.queryRow(ctx, `
		SELECT id, command, started_at, finished_at, status, summary, error
		FROM run_reports ORDER BY started_at DESC LIMIT 1`,
	).Scan(&r.ID, &r.Command, &started, &finished, &r.Status, &r.Summary, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting last run: %w", err)
	}
	r.StartedAt = started.Time
	r.FinishedAt = finished.ptr()
	return &r, nil
}
