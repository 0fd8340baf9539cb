package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voxscribe/failure"
	"voxscribe/transcription"
)

// insertBatchRows keeps bulk inserts well under SQLite's bound parameter limit.
const insertBatchRows = 500

const transcriptionColumns = `id, user_id, status, origin, path, original_name, remote_id, remote_url,
	mime_type, size, duration_ms, preprocessed_path, language, blake3_hash, text, text_duration_ms,
	failure_reason, failure_code, metadata, created_at, started_at, completed_at`

func (r SQLiteRepo) NextID() string {
	return uuid.NewString()
}

func (r SQLiteRepo) CreateTranscription(ctx context.Context, t *transcription.Transcription) error {
	s := t.Snapshot()
	md, err := json.Marshal(s.Metadata)
	if err != nil {
		return failure.Persistence("create transcription", fmt.Errorf("encoding metadata: %w", err))
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return failure.Persistence("create transcription", fmt.Errorf("begin trx: %w", err))
	}

	text, textDur := textColumns(s.Text)
	_, err = tx.ExecContext(ctx, `insert into transcriptions (`+transcriptionColumns+`) values (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
	)`,
		s.ID, s.UserID, string(s.Status), string(s.Source.Origin), s.Source.Path, s.Source.OriginalName,
		s.Source.RemoteID, s.Source.RemoteURL, s.Source.MimeType, s.Source.Size, durationColumn(s.Source.Duration),
		s.Source.PreprocessedPath, s.Language.Code, s.ContentHash, text, textDur,
		s.FailureReason, s.FailureCode, string(md), s.CreatedAt, s.StartedAt, s.CompletedAt,
	)
	if err != nil {
		return failure.Persistence("create transcription", rollback(tx, fmt.Errorf("persisting transcription into sqlite: %w", err)))
	}
	if s.Text != nil {
		if err := r.insertText(ctx, tx, s.ID, s.Text.Segments); err != nil {
			return failure.Persistence("create transcription", rollback(tx, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return failure.Persistence("create transcription", fmt.Errorf("commiting: %w", err))
	}
	return nil
}

func (r SQLiteRepo) GetTranscription(ctx context.Context, id string) (*transcription.Transcription, error) {
	row := r.db.QueryRowContext(ctx, `select `+transcriptionColumns+` from transcriptions where id = $1`, id)
	s, err := scanTranscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get transcription %s: %w", id, failure.ErrNotFound)
	}
	if err != nil {
		return nil, failure.Persistence("get transcription", err)
	}
	if err := r.loadText(ctx, &s); err != nil {
		return nil, failure.Persistence("get transcription", err)
	}
	return transcription.Rehydrate(s), nil
}

func (r SQLiteRepo) TranscriptionExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "select count(1) from transcriptions where id = $1", id).Scan(&n)
	if err != nil {
		return false, failure.Persistence("transcription exists", err)
	}
	return n > 0, nil
}

// FindTranscriptionByHash returns the user's most recent transcription of
// the same file content.
func (r SQLiteRepo) FindTranscriptionByHash(ctx context.Context, userID, blake3Hash string) (*transcription.Transcription, error) {
	var id string
	err := r.db.
		QueryRowContext(
			ctx,
			"select id from transcriptions where user_id = $1 and blake3_hash = $2 order by created_at desc limit 1",
			userID,
			blake3Hash,
		).
		Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get transcription by hash: %w", failure.ErrNotFound)
	}
	if err != nil {
		return nil, failure.Persistence("get transcription by hash", err)
	}
	return r.GetTranscription(ctx, id)
}

func (r SQLiteRepo) ListTranscriptionsByUser(ctx context.Context, userID string) ([]*transcription.Transcription, error) {
	return r.listTranscriptions(ctx, "where user_id = $1 order by created_at desc", userID)
}

// ListTranscriptionsByStatus returns the oldest rows first so the scheduler
// works in arrival order. A limit of zero means no limit.
func (r SQLiteRepo) ListTranscriptionsByStatus(ctx context.Context, status transcription.Status, limit int) ([]*transcription.Transcription, error) {
	if limit <= 0 {
		limit = -1
	}
	return r.listTranscriptions(ctx, "where status = $1 order by created_at asc limit $2", string(status), limit)
}

func (r SQLiteRepo) ListTranscriptionsByLanguage(ctx context.Context, code string) ([]*transcription.Transcription, error) {
	return r.listTranscriptions(ctx, "where language = $1 order by created_at desc", code)
}

func (r SQLiteRepo) listTranscriptions(ctx context.Context, where string, args ...any) ([]*transcription.Transcription, error) {
	rows, err := r.db.QueryContext(ctx, `select `+transcriptionColumns+` from transcriptions `+where, args...)
	if err != nil {
		return nil, failure.Persistence("list transcriptions", err)
	}
	var snaps []transcription.Snapshot
	for rows.Next() {
		s, err := scanTranscription(rows)
		if err != nil {
			rows.Close()
			return nil, failure.Persistence("list transcriptions", err)
		}
		snaps = append(snaps, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, failure.Persistence("list transcriptions", err)
	}

	res := make([]*transcription.Transcription, 0, len(snaps))
	for i := range snaps {
		if err := r.loadText(ctx, &snaps[i]); err != nil {
			return nil, failure.Persistence("list transcriptions", err)
		}
		res = append(res, transcription.Rehydrate(snaps[i]))
	}
	return res, nil
}

// ClaimTranscription persists a Pending to Processing move only if the row
// is still pending. It reports false when another worker got there first or
// the row was cancelled.
func (r SQLiteRepo) ClaimTranscription(ctx context.Context, t *transcription.Transcription) (bool, error) {
	s := t.Snapshot()
	res, err := r.db.ExecContext(ctx, `
		update transcriptions
		set status = $1, started_at = $2, preprocessed_path = $3
		where id = $4 and status = $5
	`, string(s.Status), s.StartedAt, s.Source.PreprocessedPath, s.ID, string(transcription.StatusPending))
	if err != nil {
		return false, failure.Persistence("claim transcription", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, failure.Persistence("claim transcription", err)
	}
	return n == 1, nil
}

// SaveTranscription writes the full state of t, including its segments and
// words. When from is non-empty the write only happens if the stored status
// is one of them; the boolean reports whether the row was written.
func (r SQLiteRepo) SaveTranscription(ctx context.Context, t *transcription.Transcription, from ...transcription.Status) (bool, error) {
	s := t.Snapshot()
	md, err := json.Marshal(s.Metadata)
	if err != nil {
		return false, failure.Persistence("save transcription", fmt.Errorf("encoding metadata: %w", err))
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, failure.Persistence("save transcription", fmt.Errorf("begin trx: %w", err))
	}

	text, textDur := textColumns(s.Text)
	args := []any{
		string(s.Status), s.Source.Path, s.Source.Size, durationColumn(s.Source.Duration), s.Source.PreprocessedPath,
		s.ContentHash, text, textDur, s.FailureReason, s.FailureCode, string(md), s.StartedAt, s.CompletedAt, s.ID,
	}
	query := `
		update transcriptions
		set status = $1, path = $2, size = $3, duration_ms = $4, preprocessed_path = $5, blake3_hash = $6,
			text = $7, text_duration_ms = $8, failure_reason = $9, failure_code = $10, metadata = $11,
			started_at = $12, completed_at = $13
		where id = $14`
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
		return false, failure.Persistence("save transcription", rollback(tx, fmt.Errorf("updating transcription: %w", err)))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, failure.Persistence("save transcription", rollback(tx, err))
	}
	if n == 0 {
		if err := tx.Rollback(); err != nil {
			return false, failure.Persistence("save transcription", fmt.Errorf("rollback: %w", err))
		}
		return false, nil
	}

	for _, q := range []string{"delete from words where transcription_id = $1", "delete from segments where transcription_id = $1"} {
		if _, err := tx.ExecContext(ctx, q, s.ID); err != nil {
			return false, failure.Persistence("save transcription", rollback(tx, fmt.Errorf("clearing segments: %w", err)))
		}
	}
	if s.Text != nil {
		if err := r.insertText(ctx, tx, s.ID, s.Text.Segments); err != nil {
			return false, failure.Persistence("save transcription", rollback(tx, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return false, failure.Persistence("save transcription", fmt.Errorf("commiting: %w", err))
	}
	log.WithFields(logrus.Fields{"id": s.ID, "status": s.Status}).Debug("transcription saved")
	return true, nil
}

func (r SQLiteRepo) insertText(ctx context.Context, tx *sql.Tx, transcriptionID string, segs []transcription.Segment) error {
	segRows := make([][]any, 0, len(segs))
	var wordRows [][]any
	for _, s := range segs {
		segRows = append(segRows, []any{s.ID, transcriptionID, s.Text, toMs(s.Start), toMs(s.End), s.AvgLogProb})
		for j, w := range s.Words {
			wordRows = append(wordRows, []any{j, s.ID, transcriptionID, w.Word, toMs(w.Start), toMs(w.End)})
		}
	}
	if err := bulkInsert(ctx, tx, "insert into segments (id, transcription_id, text, start_ms, end_ms, avg_logprob)", segRows); err != nil {
		return fmt.Errorf("inserting segments: %w", err)
	}
	if err := bulkInsert(ctx, tx, "insert into words (id, segment_id, transcription_id, text, start_ms, end_ms)", wordRows); err != nil {
		return fmt.Errorf("inserting words: %w", err)
	}
	return nil
}

// bulkInsert writes rows with one multi-row insert per batch. Every row must
// have the same number of columns.
func bulkInsert(ctx context.Context, tx *sql.Tx, head string, rows [][]any) error {
	for len(rows) > 0 {
		n := min(len(rows), insertBatchRows)
		batch := rows[:n]
		rows = rows[n:]

		var qb strings.Builder
		qb.WriteString(head)
		qb.WriteString(" values ")
		args := make([]any, 0, n*len(batch[0]))
		for i, row := range batch {
			if i > 0 {
				qb.WriteString(", ")
			}
			qb.WriteString("(")
			for j, v := range row {
				if j > 0 {
					qb.WriteString(", ")
				}
				args = append(args, v)
				fmt.Fprintf(&qb, "$%d", len(args))
			}
			qb.WriteString(")")
		}
		if _, err := tx.ExecContext(ctx, qb.String(), args...); err != nil {
			return err
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTranscription(row scanner) (transcription.Snapshot, error) {
	var (
		s                      transcription.Snapshot
		status, origin, lang   string
		md                     string
		durationMs, textDurMs  sql.NullInt64
		text                   sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.UserID, &status, &origin, &s.Source.Path, &s.Source.OriginalName, &s.Source.RemoteID,
		&s.Source.RemoteURL, &s.Source.MimeType, &s.Source.Size, &durationMs, &s.Source.PreprocessedPath,
		&lang, &s.ContentHash, &text, &textDurMs, &s.FailureReason, &s.FailureCode, &md,
		&s.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return s, err
	}

	s.Status = transcription.Status(status)
	s.Source.Origin = transcription.Origin(origin)
	if durationMs.Valid {
		d := fromMs(durationMs.Int64)
		s.Source.Duration = &d
	}
	s.Language, err = transcription.ParseLanguage(lang)
	if err != nil {
		s.Language = transcription.Language{Code: lang, Name: lang}
	}
	if text.Valid {
		s.Text = &transcription.TranscribedText{Text: text.String, Duration: fromMs(textDurMs.Int64)}
	}
	if err := json.Unmarshal([]byte(md), &s.Metadata); err != nil {
		return s, fmt.Errorf("decoding metadata of %s: %w", s.ID, err)
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

func (r SQLiteRepo) loadText(ctx context.Context, s *transcription.Snapshot) error {
	if s.Text == nil {
		return nil
	}

	rows, err := r.db.QueryContext(ctx, `
		select id, text, start_ms, end_ms, avg_logprob
		from segments where transcription_id = $1 order by id
	`, s.ID)
	if err != nil {
		return fmt.Errorf("loading segments: %w", err)
	}
	index := map[int]int{}
	for rows.Next() {
		var (
			seg            transcription.Segment
			startMs, endMs int64
			lp             sql.NullFloat64
		)
		if err := rows.Scan(&seg.ID, &seg.Text, &startMs, &endMs, &lp); err != nil {
			rows.Close()
			return fmt.Errorf("scanning segment: %w", err)
		}
		seg.Start, seg.End = fromMs(startMs), fromMs(endMs)
		if lp.Valid {
			v := lp.Float64
			seg.AvgLogProb = &v
		}
		index[seg.ID] = len(s.Text.Segments)
		s.Text.Segments = append(s.Text.Segments, seg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("loading segments: %w", err)
	}

	rows, err = r.db.QueryContext(ctx, `
		select segment_id, text, start_ms, end_ms
		from words where transcription_id = $1 order by segment_id, id
	`, s.ID)
	if err != nil {
		return fmt.Errorf("loading words: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			segID          int
			w              transcription.Word
			startMs, endMs sql.NullInt64
		)
		if err := rows.Scan(&segID, &w.Word, &startMs, &endMs); err != nil {
			return fmt.Errorf("scanning word: %w", err)
		}
		w.Start, w.End = fromMs(startMs.Int64), fromMs(endMs.Int64)
		if i, ok := index[segID]; ok {
			s.Text.Segments[i].Words = append(s.Text.Segments[i].Words, w)
		}
	}
	return rows.Err()
}

func textColumns(t *transcription.TranscribedText) (any, any) {
	if t == nil {
		return nil, nil
	}
	return t.Text, toMs(t.Duration)
}

func durationColumn(d *float64) any {
	if d == nil {
		return nil
	}
	return toMs(*d)
}
