// Package store persists the append-only event log and the
// declarations projection in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/iscc/iscc-hub/pkg/crypto"
	"github.com/iscc/iscc-hub/pkg/iscc"
)

// EventType discriminates log entries. Updated is reserved and not
// currently emitted.
type EventType int

const (
	EventCreated EventType = 1
	EventUpdated EventType = 2
	EventDeleted EventType = 3
)

// timeLayout keeps microsecond precision in the event_time column.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Event is one append-only log entry.
type Event struct {
	Seq      int64
	Type     EventType
	ISCCID   iscc.ID
	Nonce    []byte
	Datahash []byte
	Pubkey   []byte
	// Note is the JCS-canonical original JSON of the note.
	Note      json.RawMessage
	EventTime time.Time
}

// Declaration is the materialized current state of one live ISCC-ID.
type Declaration struct {
	ISCCID    iscc.ID
	EventSeq  int64
	ISCCCode  string
	Datahash  string
	Nonce     string
	Actor     string
	Gateway   string
	Metahash  string
	UpdatedAt time.Time
	Redacted  bool
}

// Store wraps the SQLite database holding events and declarations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path with the hub's required
// pragmas and runs migrations. Write transactions acquire the reserved
// lock at BEGIN so concurrent writers serialize.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_txlock": {"immediate"},
		"_pragma": {
			"journal_mode(WAL)",
			"synchronous(FULL)",
			"busy_timeout(5000)",
		},
	}.Encode())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: cannot open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle and runs migrations. Used by
// tests that inject their own connection.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		seq        INTEGER PRIMARY KEY,
		event_type INTEGER NOT NULL,
		iscc_id    BLOB NOT NULL,
		nonce      BLOB NOT NULL UNIQUE,
		datahash   BLOB NOT NULL,
		pubkey     BLOB NOT NULL,
		iscc_note  TEXT NOT NULL,
		event_time TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_iscc_id ON events(iscc_id);
	CREATE INDEX IF NOT EXISTS idx_events_datahash ON events(datahash);
	CREATE INDEX IF NOT EXISTS idx_events_pubkey ON events(pubkey);

	CREATE TABLE IF NOT EXISTS declarations (
		iscc_id    BLOB PRIMARY KEY,
		event_seq  INTEGER NOT NULL UNIQUE,
		iscc_code  TEXT NOT NULL,
		datahash   TEXT NOT NULL,
		nonce      TEXT NOT NULL,
		actor      TEXT NOT NULL,
		gateway    TEXT NOT NULL DEFAULT '',
		metahash   TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		redacted   INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_declarations_iscc_code ON declarations(iscc_code);
	CREATE INDEX IF NOT EXISTS idx_declarations_datahash ON declarations(datahash);
	CREATE INDEX IF NOT EXISTS idx_declarations_actor ON declarations(actor);
	CREATE INDEX IF NOT EXISTS idx_declarations_redacted ON declarations(redacted);
	`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("store: migration failed: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for the sequencer.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const eventColumns = "seq, event_type, iscc_id, nonce, datahash, pubkey, iscc_note, event_time"

// Tail reads the last event's (seq, iscc_id) inside a sequencer
// transaction. Returns (0, zero ID) on an empty log.
func Tail(tx *sql.Tx) (int64, iscc.ID, error) {
	var (
		seq     int64
		idBytes []byte
	)
	err := tx.QueryRow("SELECT seq, iscc_id FROM events ORDER BY seq DESC LIMIT 1").Scan(&seq, &idBytes)
	if err == sql.ErrNoRows {
		return 0, iscc.ID{}, nil
	}
	if err != nil {
		return 0, iscc.ID{}, fmt.Errorf("store: tail read failed: %w", err)
	}
	id, err := iscc.IDFromBytes(idBytes)
	if err != nil {
		return 0, iscc.ID{}, fmt.Errorf("store: corrupt tail iscc_id: %w", err)
	}
	return seq, id, nil
}

// InsertEvent appends one event row inside a sequencer transaction.
func InsertEvent(tx *sql.Tx, ev *Event) error {
	_, err := tx.Exec(
		"INSERT INTO events (seq, event_type, iscc_id, nonce, datahash, pubkey, iscc_note, event_time) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		ev.Seq, int(ev.Type), ev.ISCCID.Body(), ev.Nonce, ev.Datahash, ev.Pubkey,
		string(ev.Note), ev.EventTime.UTC().Format(timeLayout),
	)
	return err
}

// GetEvent returns the event with the given seq, or nil.
func (s *Store) GetEvent(ctx context.Context, seq int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE seq = ?", seq)
	return scanEvent(row)
}

// FindCreateByDatahash returns the first CREATE event carrying the
// datahash, or nil. Used by the duplicate detector.
func (s *Store) FindCreateByDatahash(ctx context.Context, datahash []byte) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE datahash = ? AND event_type = ? ORDER BY seq LIMIT 1",
		datahash, int(EventCreated))
	return scanEvent(row)
}

// LatestCreate returns the most recent CREATE event for an ISCC-ID, or
// nil.
func (s *Store) LatestCreate(ctx context.Context, id iscc.ID) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE iscc_id = ? AND event_type = ? ORDER BY seq DESC LIMIT 1",
		id.Body(), int(EventCreated))
	return scanEvent(row)
}

// HasDelete reports whether a DELETE event exists for an ISCC-ID.
func (s *Store) HasDelete(ctx context.Context, id iscc.ID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE iscc_id = ? AND event_type = ?",
		id.Body(), int(EventDeleted)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MaxSeq returns the highest sequence number, 0 on an empty log.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM events").Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		ev       Event
		idBytes  []byte
		noteJSON string
		timeStr  string
		typ      int
	)
	err := row.Scan(&ev.Seq, &typ, &idBytes, &ev.Nonce, &ev.Datahash, &ev.Pubkey, &noteJSON, &timeStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ev.Type = EventType(typ)
	if ev.ISCCID, err = iscc.IDFromBytes(idBytes); err != nil {
		return nil, fmt.Errorf("store: corrupt iscc_id in event %d: %w", ev.Seq, err)
	}
	ev.Note = json.RawMessage(noteJSON)
	ev.EventTime = parseTime(timeStr)
	return &ev, nil
}

func parseTime(value string) time.Time {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

// UpsertDeclaration materializes the projection row for a CREATE event.
func (s *Store) UpsertDeclaration(ctx context.Context, d *Declaration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO declarations (iscc_id, event_seq, iscc_code, datahash, nonce, actor, gateway, metahash, updated_at, redacted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(iscc_id) DO UPDATE SET
			event_seq = excluded.event_seq,
			iscc_code = excluded.iscc_code,
			datahash = excluded.datahash,
			nonce = excluded.nonce,
			actor = excluded.actor,
			gateway = excluded.gateway,
			metahash = excluded.metahash,
			updated_at = excluded.updated_at`,
		d.ISCCID.Body(), d.EventSeq, d.ISCCCode, d.Datahash, d.Nonce, d.Actor,
		d.Gateway, d.Metahash, d.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("store: declaration upsert failed: %w", err)
	}
	return nil
}

// DeleteDeclaration removes the projection row for an ISCC-ID.
func (s *Store) DeleteDeclaration(ctx context.Context, id iscc.ID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM declarations WHERE iscc_id = ?", id.Body())
	if err != nil {
		return fmt.Errorf("store: declaration delete failed: %w", err)
	}
	return nil
}

// GetDeclaration returns the projection row for an ISCC-ID, or nil.
func (s *Store) GetDeclaration(ctx context.Context, id iscc.ID) (*Declaration, error) {
	var (
		d        Declaration
		idBytes  []byte
		updated  string
		redacted int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT iscc_id, event_seq, iscc_code, datahash, nonce, actor, gateway, metahash, updated_at, redacted
		FROM declarations WHERE iscc_id = ?`, id.Body()).
		Scan(&idBytes, &d.EventSeq, &d.ISCCCode, &d.Datahash, &d.Nonce, &d.Actor,
			&d.Gateway, &d.Metahash, &updated, &redacted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if d.ISCCID, err = iscc.IDFromBytes(idBytes); err != nil {
		return nil, fmt.Errorf("store: corrupt iscc_id in declaration: %w", err)
	}
	d.UpdatedAt = parseTime(updated)
	d.Redacted = redacted != 0
	return &d, nil
}

// SetRedacted flips the operational redaction flag. The event log is
// untouched.
func (s *Store) SetRedacted(ctx context.Context, id iscc.ID, redacted bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE declarations SET redacted = ? WHERE iscc_id = ?", boolToInt(redacted), id.Body())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: no declaration for %s", id.Encode(iscc.RealmSandbox))
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// DeclarationFromEvent derives the projection row for a CREATE event by
// reading the denormalized fields back out of the canonical note.
func DeclarationFromEvent(ev *Event) (*Declaration, error) {
	var note struct {
		ISCCCode string `json:"iscc_code"`
		Gateway  string `json:"gateway"`
		Metahash string `json:"metahash"`
	}
	if err := json.Unmarshal(ev.Note, &note); err != nil {
		return nil, fmt.Errorf("store: corrupt note in event %d: %w", ev.Seq, err)
	}
	return &Declaration{
		ISCCID:    ev.ISCCID,
		EventSeq:  ev.Seq,
		ISCCCode:  note.ISCCCode,
		Datahash:  hex.EncodeToString(ev.Datahash),
		Nonce:     hex.EncodeToString(ev.Nonce),
		Actor:     crypto.EncodePubkey(ev.Pubkey),
		Gateway:   note.Gateway,
		Metahash:  note.Metahash,
		UpdatedAt: ev.EventTime,
	}, nil
}

// Replay rebuilds the declarations table from the event log. The table
// is wiped first; redaction flags do not survive a rebuild.
func (s *Store) Replay(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM declarations"); err != nil {
		return fmt.Errorf("store: cannot clear declarations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+eventColumns+" FROM events ORDER BY seq")
	if err != nil {
		return fmt.Errorf("store: replay scan failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var replayed int
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return err
		}
		switch ev.Type {
		case EventCreated:
			d, err := DeclarationFromEvent(ev)
			if err != nil {
				return err
			}
			if err := s.UpsertDeclaration(ctx, d); err != nil {
				return err
			}
		case EventDeleted:
			if err := s.DeleteDeclaration(ctx, ev.ISCCID); err != nil {
				return err
			}
		default:
			slog.Warn("skipping unknown event type during replay", "seq", ev.Seq, "event_type", int(ev.Type))
		}
		replayed++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	slog.Info("projection rebuilt from event log", "events", replayed)
	return nil
}
