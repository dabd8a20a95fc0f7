package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRecordNotFound is returned by Store.Get when no record exists for a key.
var ErrRecordNotFound = errors.New("inbox record not found")

// Store persists inbox records. It is the only writer of the inbox table.
//
// The table must enforce uniqueness of (message_id, consumer_id): concurrent
// consumers race to insert the same pair and the database decides the winner.
type Store struct {
	dbCtx *DBContext
	now   func() time.Time
}

// NewStore creates a Store on top of the given database context.
func NewStore(dbCtx *DBContext) *Store {
	return &Store{
		dbCtx: dbCtx,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Exists reports whether a record exists for key, whatever its state.
func (s *Store) Exists(ctx context.Context, key Key) (bool, error) {
	rows, err := s.dbCtx.db.QueryContext(ctx, s.dbCtx.buildExistsQuery(),
		s.dbCtx.formatMessageIDForDB(key.MessageID), key.ConsumerID)
	if err != nil {
		return false, fmt.Errorf("checking inbox record %s: %w", key, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var count int64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return false, fmt.Errorf("scanning inbox record count: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("checking inbox record %s: %w", key, err)
	}

	return count > 0, nil
}

// InsertIfAbsent stores a New record for key unless one already exists.
//
// Losing an insert race to another consumer instance is not an error: if the
// insert fails and the failure is a unique violation, or the record turns
// out to exist anyway, InsertIfAbsent returns nil.
func (s *Store) InsertIfAbsent(ctx context.Context, key Key) error {
	now := s.now()
	_, err := s.dbCtx.db.ExecContext(ctx, s.dbCtx.buildInsertIfAbsentQuery(),
		s.dbCtx.formatMessageIDForDB(key.MessageID), key.ConsumerID, StateNew, now, now)
	if err == nil {
		return nil
	}

	if s.dbCtx.classifier.IsUniqueViolation(err) {
		return nil
	}

	exists, existsErr := s.Exists(ctx, key)
	if existsErr == nil && exists {
		return nil
	}

	return fmt.Errorf("inserting inbox record %s: %w", key, err)
}

// Claim locks the New record for key inside tx.
//
// Rows locked by another transaction are skipped rather than waited for, so
// Claim returns (nil, nil) both when a concurrent consumer holds the record
// and when the record is already Done.
func (s *Store) Claim(ctx context.Context, tx TxQueryer, key Key) (*Record, error) {
	rows, err := tx.QueryContext(ctx, s.dbCtx.buildClaimQuery(),
		s.dbCtx.formatMessageIDForDB(key.MessageID), key.ConsumerID, StateNew)
	if err != nil {
		return nil, fmt.Errorf("claiming inbox record %s: %w", key, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var rec *Record
	if rows.Next() {
		rec, err = scanRecord(rows)
		if err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claiming inbox record %s: %w", key, err)
	}

	return rec, nil
}

// MarkDone moves a claimed record to Done inside tx.
func (s *Store) MarkDone(ctx context.Context, tx TxQueryer, rec *Record) error {
	now := s.now()
	res, err := tx.ExecContext(ctx, s.dbCtx.buildUpdateStateQuery(),
		StateDone, now, s.dbCtx.formatMessageIDForDB(rec.MessageID), rec.ConsumerID, StateNew)
	if err != nil {
		return fmt.Errorf("marking inbox record %s as done: %w", rec.Key, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking inbox record %s as done: %w", rec.Key, err)
	}
	if affected == 0 {
		return fmt.Errorf("marking inbox record %s as done: record is no longer new", rec.Key)
	}

	rec.State = StateDone
	rec.UpdatedAt = now
	return nil
}

// TouchFailure bumps updated_at of a record that failed processing. It runs
// as its own statement, outside of the rolled back transaction, and leaves
// the record New so it can be claimed again.
func (s *Store) TouchFailure(ctx context.Context, rec *Record) error {
	now := s.now()
	_, err := s.dbCtx.db.ExecContext(ctx, s.dbCtx.buildTouchQuery(),
		now, s.dbCtx.formatMessageIDForDB(rec.MessageID), rec.ConsumerID, StateNew)
	if err != nil {
		return fmt.Errorf("recording failure of inbox record %s: %w", rec.Key, err)
	}

	rec.UpdatedAt = now
	return nil
}

// Get returns the record stored for key, or ErrRecordNotFound.
func (s *Store) Get(ctx context.Context, key Key) (*Record, error) {
	rows, err := s.dbCtx.db.QueryContext(ctx, s.dbCtx.buildGetQuery(),
		s.dbCtx.formatMessageIDForDB(key.MessageID), key.ConsumerID)
	if err != nil {
		return nil, fmt.Errorf("querying inbox record %s: %w", key, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("querying inbox record %s: %w", key, err)
		}
		return nil, ErrRecordNotFound
	}

	return scanRecord(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	err := row.Scan(&rec.MessageID, &rec.ConsumerID, &rec.State, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scanning inbox record: %w", err)
	}
	return rec, nil
}
