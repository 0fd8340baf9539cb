package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"voxscribe/failure"
	"voxscribe/translation"
)

const projectColumns = `id, user_id, transcription_id, source_language, target_language, provider, config,
	status, quality_score, estimated_cost, actual_cost, version, created_at, started_at, completed_at`

func (r SQLiteRepo) CreateProject(ctx context.Context, p *translation.Project) error {
	s := p.Snapshot()
	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return failure.Persistence("create project", fmt.Errorf("encoding config: %w", err))
	}

	_, err = r.db.ExecContext(ctx, `insert into translation_projects (`+projectColumns+`) values (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
	)`,
		s.ID, s.UserID, s.TranscriptionID, s.SourceLanguage, s.TargetLanguage, s.Provider, string(cfg),
		string(s.Status), s.QualityScore, s.EstimatedCost, s.ActualCost, s.Version, s.CreatedAt, s.StartedAt, s.CompletedAt,
	)
	if err != nil {
		return failure.Persistence("create project", fmt.Errorf("persisting project into sqlite: %w", err))
	}
	return nil
}

func (r SQLiteRepo) GetProject(ctx context.Context, id string) (*translation.Project, error) {
	row := r.db.QueryRowContext(ctx, `select `+projectColumns+` from translation_projects where id = $1`, id)
	s, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get project %s: %w", id, failure.ErrNotFound)
	}
	if err != nil {
		return nil, failure.Persistence("get project", err)
	}
	if err := r.loadProjectDetails(ctx, &s); err != nil {
		return nil, failure.Persistence("get project", err)
	}
	return translation.RehydrateProject(s), nil
}

// ListProjectsByStatus returns the oldest projects first. A limit of zero
// means no limit.
func (r SQLiteRepo) ListProjectsByStatus(ctx context.Context, status translation.Status, limit int) ([]*translation.Project, error) {
	if limit <= 0 {
		limit = -1
	}
	return r.listProjects(ctx, "where status = $1 order by created_at asc limit $2", string(status), limit)
}

func (r SQLiteRepo) ListProjectsByTranscription(ctx context.Context, transcriptionID string) ([]*translation.Project, error) {
	return r.listProjects(ctx, "where transcription_id = $1 order by created_at desc", transcriptionID)
}

func (r SQLiteRepo) listProjects(ctx context.Context, where string, args ...any) ([]*translation.Project, error) {
	rows, err := r.db.QueryContext(ctx, `select `+projectColumns+` from translation_projects `+where, args...)
	if err != nil {
		return nil, failure.Persistence("list projects", err)
	}
	var snaps []translation.ProjectSnapshot
	for rows.Next() {
		s, err := scanProject(rows)
		if err != nil {
			rows.Close()
			return nil, failure.Persistence("list projects", err)
		}
		snaps = append(snaps, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, failure.Persistence("list projects", err)
	}

	res := make([]*translation.Project, 0, len(snaps))
	for i := range snaps {
		if err := r.loadProjectDetails(ctx, &snaps[i]); err != nil {
			return nil, failure.Persistence("list projects", err)
		}
		res = append(res, translation.RehydrateProject(snaps[i]))
	}
	return res, nil
}

// ClaimProject persists a Pending to Processing move only if the project is
// still pending.
func (r SQLiteRepo) ClaimProject(ctx context.Context, p *translation.Project) (bool, error) {
	s := p.Snapshot()
	res, err := r.db.ExecContext(ctx, `
		update translation_projects
		set status = $1, started_at = $2
		where id = $3 and status = $4
	`, string(s.Status), s.StartedAt, s.ID, string(translation.StatusPending))
	if err != nil {
		return false, failure.Persistence("claim project", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, failure.Persistence("claim project", err)
	}
	return n == 1, nil
}

// SaveProject writes the project row, its current segment version and any
// error entries not yet stored. When from is non-empty the write only happens
// if the stored status is one of them.
func (r SQLiteRepo) SaveProject(ctx context.Context, p *translation.Project, from ...translation.Status) (bool, error) {
	s := p.Snapshot()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, failure.Persistence("save project", fmt.Errorf("begin trx: %w", err))
	}

	args := []any{string(s.Status), s.QualityScore, s.ActualCost, s.Version, s.StartedAt, s.CompletedAt, s.ID}
	query := `
		update translation_projects
		set status = $1, quality_score = $2, actual_cost = $3, version = $4, started_at = $5, completed_at = $6
		where id = $7`
	if len(from) > 0 {
		ph := make([]string, len(from))
		for i, st := range from {
			args = append(args, string(st))
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " and status in (" + strings.Join(ph, ", ") + ")"
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, failure.Persistence("save project", rollback(tx, fmt.Errorf("updating project: %w", err)))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, failure.Persistence("save project", rollback(tx, err))
	}
	if n == 0 {
		if err := tx.Rollback(); err != nil {
			return false, failure.Persistence("save project", fmt.Errorf("rollback: %w", err))
		}
		return false, nil
	}

	if s.Version > 0 && s.Status == translation.StatusCompleted {
		if err := insertVersion(ctx, tx, s); err != nil {
			return false, failure.Persistence("save project", rollback(tx, err))
		}
	}
	for seq, e := range s.Errors {
		_, err := tx.ExecContext(ctx, `
			insert into translation_errors (project_id, seq, type, message, created_at)
			values ($1, $2, $3, $4, $5) on conflict do nothing
		`, s.ID, seq, e.Type, e.Message, e.At)
		if err != nil {
			return false, failure.Persistence("save project", rollback(tx, fmt.Errorf("inserting error entry: %w", err)))
		}
	}

	if err := tx.Commit(); err != nil {
		return false, failure.Persistence("save project", fmt.Errorf("commiting: %w", err))
	}
	log.WithFields(logrus.Fields{"id": s.ID, "status": s.Status, "version": s.Version}).Debug("project saved")
	return true, nil
}

// insertVersion stores the segment set under the project's version number
// and makes it the only active one.
func insertVersion(ctx context.Context, tx *sql.Tx, s translation.ProjectSnapshot) error {
	segs, err := json.Marshal(s.Segments)
	if err != nil {
		return fmt.Errorf("encoding segments: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		update translation_versions set is_active = 0 where project_id = $1 and version != $2
	`, s.ID, s.Version)
	if err != nil {
		return fmt.Errorf("deactivating versions: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		insert into translation_versions (project_id, version, segments, quality_score, is_active, created_at)
		values ($1, $2, $3, $4, 1, $5)
		on conflict (project_id, version) do update set segments = excluded.segments, quality_score = excluded.quality_score, is_active = 1
	`, s.ID, s.Version, string(segs), s.QualityScore, s.CompletedAt)
	if err != nil {
		return fmt.Errorf("inserting version: %w", err)
	}
	return nil
}

// DeleteProject removes the project with its versions and error log.
func (r SQLiteRepo) DeleteProject(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return failure.Persistence("delete project", fmt.Errorf("begin trx: %w", err))
	}
	for _, q := range []string{
		"delete from translation_errors where project_id = $1",
		"delete from translation_versions where project_id = $1",
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return failure.Persistence("delete project", rollback(tx, err))
		}
	}
	res, err := tx.ExecContext(ctx, "delete from translation_projects where id = $1", id)
	if err != nil {
		return failure.Persistence("delete project", rollback(tx, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := tx.Rollback(); err != nil {
			return failure.Persistence("delete project", fmt.Errorf("rollback: %w", err))
		}
		return fmt.Errorf("delete project %s: %w", id, failure.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return failure.Persistence("delete project", fmt.Errorf("commiting: %w", err))
	}
	return nil
}

func scanProject(row scanner) (translation.ProjectSnapshot, error) {
	var (
		s                      translation.ProjectSnapshot
		status, cfg            string
		quality                sql.NullFloat64
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.TranscriptionID, &s.SourceLanguage, &s.TargetLanguage, &s.Provider, &cfg,
		&status, &quality, &s.EstimatedCost, &s.ActualCost, &s.Version, &s.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return s, err
	}
	s.Status = translation.Status(status)
	if err := json.Unmarshal([]byte(cfg), &s.Config); err != nil {
		return s, fmt.Errorf("decoding config of %s: %w", s.ID, err)
	}
	if quality.Valid {
		q := quality.Float64
		s.QualityScore = &q
	}
	if startedAt.Valid {
		ts := startedAt.Time.UTC()
		s.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time.UTC()
		s.CompletedAt = &ts
	}
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

func (r SQLiteRepo) loadProjectDetails(ctx context.Context, s *translation.ProjectSnapshot) error {
	var segs string
	err := r.db.QueryRowContext(ctx, `
		select segments from translation_versions where project_id = $1 and is_active = 1
	`, s.ID).Scan(&segs)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("loading active version: %w", err)
	default:
		if err := json.Unmarshal([]byte(segs), &s.Segments); err != nil {
			return fmt.Errorf("decoding segments of %s: %w", s.ID, err)
		}
	}

	rows, err := r.db.QueryContext(ctx, `
		select type, message, created_at from translation_errors where project_id = $1 order by seq
	`, s.ID)
	if err != nil {
		return fmt.Errorf("loading errors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e translation.ErrorEntry
		if err := rows.Scan(&e.Type, &e.Message, &e.At); err != nil {
			return fmt.Errorf("scanning error entry: %w", err)
		}
		e.At = e.At.UTC()
		s.Errors = append(s.Errors, e)
	}
	return rows.Err()
}
