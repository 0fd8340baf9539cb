// Package store persists transcriptions, translation projects and the
// translation cache in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "store")

const schema = `
	create table if not exists transcriptions (
		id text primary key not null,
		user_id text not null,
		status text not null,
		origin text not null,
		path text not null default '',
		original_name text not null default '',
		remote_id text not null default '',
		remote_url text not null default '',
		mime_type text not null,
		size integer not null default 0,
		duration_ms integer,
		preprocessed_path text not null default '',
		language text not null,
		blake3_hash text not null default '',
		text text,
		text_duration_ms integer,
		failure_reason text not null default '',
		failure_code text not null default '',
		metadata text not null default '{}',
		created_at timestamp not null,
		started_at timestamp,
		completed_at timestamp
	);
	create index if not exists transcriptions_user on transcriptions (user_id);
	create index if not exists transcriptions_status on transcriptions (status);
	create index if not exists transcriptions_hash on transcriptions (blake3_hash);

	create table if not exists segments (
		id integer not null,
		transcription_id text not null references transcriptions (id) on delete cascade,
		text text not null,
		start_ms integer not null,
		end_ms integer not null,
		avg_logprob real,
		primary key (id, transcription_id)
	);

	create table if not exists words (
		id integer not null,
		segment_id integer not null,
		transcription_id text not null references transcriptions (id) on delete cascade,
		text text not null,
		start_ms integer,
		end_ms integer,
		primary key (id, segment_id, transcription_id)
	);

	create table if not exists translation_projects (
		id text primary key not null,
		user_id text not null,
		transcription_id text not null,
		source_language text not null default '',
		target_language text not null,
		provider text not null,
		config text not null,
		status text not null,
		quality_score real,
		estimated_cost text not null default '0',
		actual_cost text not null default '0',
		version integer not null default 0,
		created_at timestamp not null,
		started_at timestamp,
		completed_at timestamp
	);
	create index if not exists translation_projects_status on translation_projects (status);

	create table if not exists translation_versions (
		project_id text not null references translation_projects (id) on delete cascade,
		version integer not null,
		segments text not null,
		quality_score real,
		is_active integer not null default 0,
		created_at timestamp not null,
		primary key (project_id, version)
	);

	create table if not exists translation_errors (
		project_id text not null references translation_projects (id) on delete cascade,
		seq integer not null,
		type text not null,
		message text not null,
		created_at timestamp not null,
		primary key (project_id, seq)
	);

	create table if not exists translation_cache (
		key text primary key not null,
		value blob not null,
		created_at timestamp not null,
		expires_at timestamp not null
	);`

// Migrate creates the tables when missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrating sqlite schema: %w", err)
	}
	return nil
}

type SQLiteRepo struct {
	db *sql.DB
}

func NewSQLiteRepo(db *sql.DB) SQLiteRepo {
	return SQLiteRepo{db}
}

func toMs(seconds float64) int64 {
	return decimal.NewFromFloat(seconds).Mul(decimal.NewFromInt(1000)).Round(0).IntPart()
}

func fromMs(ms int64) float64 {
	return decimal.New(ms, -3).InexactFloat64()
}

func rollback(tx *sql.Tx, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil {
		return fmt.Errorf("rollback: %v: %w", rbErr, err)
	}
	return err
}
