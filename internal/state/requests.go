package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cochaviz/tavalid/internal/validation"
)

// RequestRepository stores validation requests in SQL. Transitions are
// compare-and-set on a version column, so concurrent writers from several
// processes cannot both leave the same state.
type RequestRepository struct {
	db  *DB
	now func() time.Time
}

var _ validation.Repository = (*RequestRepository)(nil)

func NewRequestRepository(db *DB) *RequestRepository {
	return &RequestRepository{db: db, now: time.Now}
}

const requestColumns = `id, artifact_ref, sample_ref, sourcetype, expected_fields, previous_id,
	status, stage, attempts, verdict, diagnostic_ref, error_kind, error_detail,
	created_at, started_at, completed_at, version`

func (r *RequestRepository) Create(ctx context.Context, req validation.Request) error {
	row, err := encodeRequest(req)
	if err != nil {
		return err
	}
	query := r.db.rebind(`INSERT INTO validation_requests (` + requestColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`)
	_, err = r.db.conn.ExecContext(ctx, query,
		req.ID, req.ArtifactRef, req.SampleRef, req.Sourcetype, row.expectedFields, req.PreviousID,
		string(req.Status), req.Stage, req.Attempts, row.verdict, req.DiagnosticRef, string(req.ErrorKind), req.ErrorDetail,
		row.createdAt, row.startedAt, row.completedAt,
	)
	if err != nil {
		return fmt.Errorf("insert validation request %s: %w", req.ID, err)
	}
	return nil
}

func (r *RequestRepository) Get(ctx context.Context, id string) (validation.Request, error) {
	req, _, err := r.get(ctx, r.db.conn, id, "")
	return req, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *RequestRepository) get(ctx context.Context, q queryer, id, suffix string) (validation.Request, int64, error) {
	query := r.db.rebind(`SELECT ` + requestColumns + ` FROM validation_requests WHERE id = ?` + suffix)
	req, version, err := scanRequest(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return validation.Request{}, 0, fmt.Errorf("%w: %s", validation.ErrNotFound, id)
	}
	if err != nil {
		return validation.Request{}, 0, fmt.Errorf("get validation request %s: %w", id, err)
	}
	return req, version, nil
}

// List returns requests oldest first. With a limit only the most recent
// requests are kept.
func (r *RequestRepository) List(ctx context.Context, filter validation.Filter) ([]validation.Request, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + requestColumns + ` FROM validation_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.conn.QueryContext(ctx, r.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list validation requests: %w", err)
	}
	defer rows.Close()

	var out []validation.Request
	for rows.Next() {
		req, _, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan validation request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *RequestRepository) Transition(ctx context.Context, id string, from validation.Status, update func(*validation.Request)) (validation.Request, error) {
	tx, err := r.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return validation.Request{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, version, err := r.get(ctx, tx, id, r.db.forUpdate())
	if err != nil {
		return validation.Request{}, err
	}
	next, err := validation.ApplyTransition(current, from, update, r.now())
	if err != nil {
		return current, err
	}

	row, err := encodeRequest(next)
	if err != nil {
		return current, err
	}
	query := r.db.rebind(`UPDATE validation_requests SET
	status = ?, stage = ?, attempts = ?, verdict = ?, diagnostic_ref = ?, error_kind = ?, error_detail = ?,
	started_at = ?, completed_at = ?, version = ?
	WHERE id = ? AND version = ?`)
	res, err := tx.ExecContext(ctx, query,
		string(next.Status), next.Stage, next.Attempts, row.verdict, next.DiagnosticRef, string(next.ErrorKind), next.ErrorDetail,
		row.startedAt, row.completedAt, version+1,
		id, version,
	)
	if err != nil {
		return current, fmt.Errorf("update validation request %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return current, fmt.Errorf("update validation request %s: %w", id, err)
	}
	if affected == 0 {
		return current, fmt.Errorf("%w: %s changed concurrently", validation.ErrConflict, id)
	}
	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("commit transition of %s: %w", id, err)
	}
	return next, nil
}

func (r *RequestRepository) CountByStatus(ctx context.Context, status validation.Status) (int, error) {
	var n int
	query := r.db.rebind("SELECT COUNT(*) FROM validation_requests WHERE status = ?")
	if err := r.db.conn.QueryRowContext(ctx, query, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s requests: %w", status, err)
	}
	return n, nil
}

type encodedRequest struct {
	expectedFields string
	verdict        sql.NullString
	createdAt      int64
	startedAt      sql.NullInt64
	completedAt    sql.NullInt64
}

func encodeRequest(req validation.Request) (encodedRequest, error) {
	var row encodedRequest
	fields := req.ExpectedFields
	if fields == nil {
		fields = []string{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return row, fmt.Errorf("encode expected fields: %w", err)
	}
	row.expectedFields = string(data)

	if req.Verdict != nil {
		data, err := json.Marshal(req.Verdict)
		if err != nil {
			return row, fmt.Errorf("encode verdict: %w", err)
		}
		row.verdict = sql.NullString{String: string(data), Valid: true}
	}
	row.createdAt = req.CreatedAt.UnixNano()
	row.startedAt = nullTime(req.StartedAt)
	row.completedAt = nullTime(req.CompletedAt)
	return row, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (validation.Request, int64, error) {
	var (
		req            validation.Request
		status         string
		errorKind      string
		expectedFields string
		verdict        sql.NullString
		diagnosticRef  sql.NullString
		errorDetail    sql.NullString
		createdAt      int64
		startedAt      sql.NullInt64
		completedAt    sql.NullInt64
		version        int64
	)
	err := s.Scan(
		&req.ID, &req.ArtifactRef, &req.SampleRef, &req.Sourcetype, &expectedFields, &req.PreviousID,
		&status, &req.Stage, &req.Attempts, &verdict, &diagnosticRef, &errorKind, &errorDetail,
		&createdAt, &startedAt, &completedAt, &version,
	)
	if err != nil {
		return req, 0, err
	}

	req.Status = validation.Status(status)
	req.ErrorKind = validation.ErrorKind(errorKind)
	req.DiagnosticRef = diagnosticRef.String
	req.ErrorDetail = errorDetail.String
	if expectedFields != "" {
		if err := json.Unmarshal([]byte(expectedFields), &req.ExpectedFields); err != nil {
			return req, 0, fmt.Errorf("decode expected fields of %s: %w", req.ID, err)
		}
	}
	if len(req.ExpectedFields) == 0 {
		req.ExpectedFields = nil
	}
	if verdict.Valid && verdict.String != "" {
		var v validation.Verdict
		if err := json.Unmarshal([]byte(verdict.String), &v); err != nil {
			return req, 0, fmt.Errorf("decode verdict of %s: %w", req.ID, err)
		}
		req.Verdict = &v
	}
	req.CreatedAt = time.Unix(0, createdAt).UTC()
	req.StartedAt = timeFromNull(startedAt)
	req.CompletedAt = timeFromNull(completedAt)
	return req, version, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
