package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lopotichat87/netflixhaha-sub001/go/internal/dbconfig"
	"github.com/lopotichat87/netflixhaha-sub001/go/internal/party"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	calls   []execCall
	execErr error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

var closedAt = time.Date(2025, 3, 14, 22, 15, 0, 0, time.UTC)

func summary() party.Summary {
	return party.Summary{
		PartyID:          "tv-1399-friday",
		MediaType:        party.MediaTypeTV,
		MediaID:          1399,
		Room:             "friday",
		CreatedAt:        closedAt.Add(-2 * time.Hour),
		ClosedAt:         closedAt,
		Reason:           party.CloseReasonEmpty,
		TotalJoins:       6,
		PeakParticipants: 4,
		Messages:         37,
		FinalVersion:     212,
		FinalPosition:    3120.5,
	}
}

func TestArchive(t *testing.T) {
	t.Run("InsertsSummary", func(t *testing.T) {
		db := &fakeDB{}
		if err := New(db).Archive(context.Background(), summary()); err != nil {
			t.Fatalf("Archive() error = %v", err)
		}
		if len(db.calls) != 1 {
			t.Fatalf("expected 1 exec, got %d", len(db.calls))
		}

		call := db.calls[0]
		if !strings.Contains(call.sql, "INSERT INTO party_sessions") {
			t.Errorf("unexpected statement %s", call.sql)
		}
		if len(call.args) != 13 {
			t.Fatalf("expected 13 args, got %d", len(call.args))
		}
		if call.args[1] != "tv-1399-friday" || call.args[2] != "tv" || call.args[7] != "empty" {
			t.Errorf("unexpected args %v", call.args)
		}
		if call.args[11] != int64(212) {
			t.Errorf("expected final version 212, got %v", call.args[11])
		}
	})

	t.Run("WrapsErrors", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := New(&fakeDB{execErr: cause}).Archive(context.Background(), summary())
		if !errors.Is(err, cause) {
			t.Errorf("expected wrapped cause, got %v", err)
		}
	})
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	if err := New(db).EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if len(db.calls) != 1 || !strings.Contains(db.calls[0].sql, "CREATE TABLE IF NOT EXISTS party_sessions") {
		t.Errorf("unexpected schema statements %v", db.calls)
	}
}

type fakeLister struct {
	sessions []party.Summary
	err      error
	gotID    party.ID
	gotLimit int
}

func (f *fakeLister) Recent(ctx context.Context, id party.ID, limit int) ([]party.Summary, error) {
	f.gotID, f.gotLimit = id, limit
	return f.sessions, f.err
}

func TestHandleRecentSessions(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		lister     *fakeLister
		wantStatus int
		wantLimit  int
	}{
		{"Ok", "party_id=tv-1399-friday&limit=5", &fakeLister{sessions: []party.Summary{summary()}}, http.StatusOK, 5},
		{"LimitCapped", "party_id=tv-1399-friday&limit=500", &fakeLister{}, http.StatusOK, 100},
		{"InvalidID", "party_id=book-1", &fakeLister{}, http.StatusBadRequest, 0},
		{"StoreFailure", "party_id=movie-550", &fakeLister{err: errors.New("boom")}, http.StatusInternalServerError, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/sessions?"+tt.query, nil)
			rec := httptest.NewRecorder()
			HandleRecentSessions(tt.lister)(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			if tt.lister.gotLimit != tt.wantLimit {
				t.Errorf("expected limit %d, got %d", tt.wantLimit, tt.lister.gotLimit)
			}

			var body Sessions
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("invalid body: %v", err)
			}
			if body.PartyID != tt.lister.gotID || len(body.Sessions) != len(tt.lister.sessions) {
				t.Errorf("unexpected body %+v", body)
			}
		})
	}
}

// brokenWriter accepts headers but fails every body write, like a client
// that hung up.
type brokenWriter struct {
	*httptest.ResponseRecorder
}

func (brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("write: broken pipe")
}

func TestHandleRecentSessionsLogsWriteFailure(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	req := httptest.NewRequest(http.MethodGet, "/api/sessions?party_id=movie-550", nil)
	HandleRecentSessions(&fakeLister{sessions: []party.Summary{summary()}})(brokenWriter{httptest.NewRecorder()}, req)

	if !strings.Contains(buf.String(), "failed to encode sessions response") || !strings.Contains(buf.String(), "broken pipe") {
		t.Errorf("expected the encode failure to be logged, got %q", buf.String())
	}
}

// Runs against a real database when ARCHIVE_TEST_DATABASE_URL is set.
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("ARCHIVE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ARCHIVE_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := dbconfig.Default()
	cfg.URL = dsn
	a, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer a.Close()

	if err := a.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}

	s := summary()
	s.PartyID = party.ID("movie-550-" + strings.ToLower(strings.ReplaceAll(t.Name(), "/", "")))
	if err := a.Archive(ctx, s); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	got, err := a.Recent(ctx, s.PartyID, 1)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 1 || got[0].FinalVersion != 212 || got[0].Reason != party.CloseReasonEmpty {
		t.Errorf("unexpected sessions %+v", got)
	}
}
