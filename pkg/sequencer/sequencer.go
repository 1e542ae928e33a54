// Package sequencer implements the single-writer assignment of
// (sequence number, ISCC-ID) to accepted declarations. One mutating
// call is one exclusive write transaction against the event log.
package sequencer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/iscc/iscc-hub/pkg/apierror"
	"github.com/iscc/iscc-hub/pkg/canonicalize"
	"github.com/iscc/iscc-hub/pkg/iscc"
	"github.com/iscc/iscc-hub/pkg/store"
	"github.com/iscc/iscc-hub/pkg/validate"
)

// MaxDriftMicros bounds how far the issued timestamp may run ahead of
// wall clock before the sequencer fails fast instead of minting
// timestamps from the future.
const MaxDriftMicros = 100_000

// Retry policy for write-lock contention.
const (
	retryBaseInterval = 500 * time.Microsecond
	retryMaxInterval  = 50 * time.Millisecond
	retryMaxTries     = 10
)

// Sequencer serializes event-log writes. It is safe for concurrent
// use; concurrent callers serialize on the database write lock.
type Sequencer struct {
	store *store.Store
	hubID int

	// now supplies the wall clock; injectable for drift tests.
	now func() time.Time
}

// New creates a sequencer for the given hub id.
func New(st *store.Store, hubID int) *Sequencer {
	return &Sequencer{store: st, hubID: hubID, now: time.Now}
}

// WithClock overrides the wall clock source.
func (s *Sequencer) WithClock(now func() time.Time) *Sequencer {
	s.now = now
	return s
}

// SequenceCreate appends a CREATE event for a validated note and
// returns the committed event carrying its fresh (seq, iscc_id).
func (s *Sequencer) SequenceCreate(ctx context.Context, note *validate.ValidatedNote) (*store.Event, error) {
	pubkey, err := note.PubkeyBytes()
	if err != nil {
		return nil, err
	}
	noteJSON, err := canonicalize.JCS(note.Raw)
	if err != nil {
		return nil, apierror.Sequencer(fmt.Sprintf("cannot canonicalize note: %v", err))
	}
	return s.run(ctx, &store.Event{
		Type:     store.EventCreated,
		Nonce:    note.NonceBytes(),
		Datahash: note.DatahashBytes(),
		Pubkey:   pubkey,
		Note:     noteJSON,
	}, nil)
}

// SequenceDelete appends a DELETE event. The event reuses the
// dismissed CREATE's iscc_id and datahash.
func (s *Sequencer) SequenceDelete(ctx context.Context, del *validate.ValidatedDelete, originalDatahash []byte) (*store.Event, error) {
	pubkey, err := del.PubkeyBytes()
	if err != nil {
		return nil, err
	}
	noteJSON, err := canonicalize.JCS(del.Raw)
	if err != nil {
		return nil, apierror.Sequencer(fmt.Sprintf("cannot canonicalize note: %v", err))
	}
	id := del.ISCCID
	return s.run(ctx, &store.Event{
		Type:     store.EventDeleted,
		Nonce:    del.NonceBytes(),
		Datahash: originalDatahash,
		Pubkey:   pubkey,
		Note:     noteJSON,
	}, &id)
}

// run drives the retry loop around one transactional attempt. Only
// write-lock contention is retried; everything else surfaces
// immediately.
func (s *Sequencer) run(ctx context.Context, ev *store.Event, reuseID *iscc.ID) (*store.Event, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = retryBaseInterval
	expo.MaxInterval = retryMaxInterval

	out, err := backoff.Retry(ctx, func() (*store.Event, error) {
		committed, attemptErr := s.attempt(ctx, ev, reuseID)
		if attemptErr != nil && !isLockContention(attemptErr) {
			return nil, backoff.Permanent(attemptErr)
		}
		return committed, attemptErr
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(retryMaxTries))
	if err != nil {
		var apiErr *apierror.Error
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		return nil, apierror.Sequencer(fmt.Sprintf("sequencing failed: %v", err))
	}
	return out, nil
}

// attempt runs the single-writer protocol once: acquire the write
// lock, read the tail, mint the next (seq, iscc_id), insert, commit.
func (s *Sequencer) attempt(ctx context.Context, ev *store.Event, reuseID *iscc.ID) (*store.Event, error) {
	tx, err := s.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin failed: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			// Rollback errors are swallowed so the original cause surfaces.
			_ = tx.Rollback()
		}
	}()

	lastSeq, lastID, err := store.Tail(tx)
	if err != nil {
		return nil, err
	}

	var lastTs int64
	if !lastID.IsZero() {
		lastTs = lastID.TimestampMicros()
	}
	nowUs := s.now().UnixMicro()
	newTs := nowUs
	if nowUs <= lastTs {
		drift := lastTs - nowUs
		if drift > MaxDriftMicros {
			return nil, apierror.Sequencer(fmt.Sprintf(
				"wall clock is %dµs behind the event log tail", drift))
		}
		// Monotonic bump when the clock stalls or collides at µs resolution.
		newTs = lastTs + 1
	}

	out := *ev
	out.Seq = lastSeq + 1
	out.EventTime = time.UnixMicro(newTs).UTC()
	if reuseID != nil {
		out.ISCCID = *reuseID
	} else {
		out.ISCCID, err = iscc.NewID(newTs, s.hubID)
		if err != nil {
			return nil, apierror.Sequencer(err.Error())
		}
	}

	if err := store.InsertEvent(tx, &out); err != nil {
		if isNonceConflict(err) {
			return nil, apierror.NonceReuse(fmt.Sprintf("%x", out.Nonce))
		}
		return nil, fmt.Errorf("event insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit failed: %w", err)
	}
	committed = true
	return &out, nil
}

func isNonceConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: events.nonce")
}

func isLockContention(err error) bool {
	if err == nil {
		return false
	}
	if err == sql.ErrTxDone {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
