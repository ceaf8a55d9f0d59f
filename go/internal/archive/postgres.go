package archive

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/lopotichat87/netflixhaha-sub001/go/internal/dbconfig"
	"github.com/lopotichat87/netflixhaha-sub001/go/internal/party"
)

const schema = `
CREATE TABLE IF NOT EXISTS party_sessions (
	id                UUID PRIMARY KEY,
	party_id          TEXT NOT NULL,
	media_type        TEXT NOT NULL,
	media_id          BIGINT NOT NULL,
	room              TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	closed_at         TIMESTAMPTZ NOT NULL,
	reason            TEXT NOT NULL,
	total_joins       INTEGER NOT NULL,
	peak_participants INTEGER NOT NULL,
	messages          INTEGER NOT NULL,
	final_version     BIGINT NOT NULL,
	final_position    DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS party_sessions_party_id_closed_at
	ON party_sessions (party_id, closed_at DESC);
`

// DB is the part of pgxpool.Pool the archive uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresArchive stores one row per torn-down party.
type PostgresArchive struct {
	db   DB
	pool *pgxpool.Pool
}

// Connect opens a pool for cfg and checks it answers.
func Connect(ctx context.Context, cfg dbconfig.Config) (*PostgresArchive, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Str("database", cfg.Database).
		Msg("connected to archive database")

	a := New(pool)
	a.pool = pool
	return a, nil
}

func New(db DB) *PostgresArchive {
	return &PostgresArchive{db: db}
}

func (a *PostgresArchive) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create party_sessions: %w", err)
	}
	return nil
}

// Archive implements party.Archiver.
func (a *PostgresArchive) Archive(ctx context.Context, s party.Summary) error {
	query := `
		INSERT INTO party_sessions (
			id, party_id, media_type, media_id, room, created_at, closed_at, reason,
			total_joins, peak_participants, messages, final_version, final_position
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := a.db.Exec(ctx, query,
		uuid.New(), string(s.PartyID), string(s.MediaType), s.MediaID, s.Room,
		s.CreatedAt, s.ClosedAt, string(s.Reason),
		s.TotalJoins, s.PeakParticipants, s.Messages, int64(s.FinalVersion), s.FinalPosition,
	)
	if err != nil {
		return fmt.Errorf("failed to archive party %s: %w", s.PartyID, err)
	}
	return nil
}

// Recent returns the latest archived sessions of a party, newest first.
func (a *PostgresArchive) Recent(ctx context.Context, id party.ID, limit int) ([]party.Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT party_id, media_type, media_id, room, created_at, closed_at, reason,
			total_joins, peak_participants, messages, final_version, final_position
		FROM party_sessions
		WHERE party_id = $1
		ORDER BY closed_at DESC
		LIMIT $2
	`
	rows, err := a.db.Query(ctx, query, string(id), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions of %s: %w", id, err)
	}
	defer rows.Close()

	summaries := []party.Summary{}
	for rows.Next() {
		var (
			s         party.Summary
			partyID   string
			mediaType string
			reason    string
			version   int64
		)
		if err := rows.Scan(
			&partyID, &mediaType, &s.MediaID, &s.Room, &s.CreatedAt, &s.ClosedAt, &reason,
			&s.TotalJoins, &s.PeakParticipants, &s.Messages, &version, &s.FinalPosition,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.PartyID = party.ID(partyID)
		s.MediaType = party.MediaType(mediaType)
		s.Reason = party.CloseReason(reason)
		s.FinalVersion = uint64(version)
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func (a *PostgresArchive) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
