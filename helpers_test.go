package inbox

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

const testConsumerID = "C1"

// openTestDB opens a file backed SQLite database with the inbox schema.
// Transactions begin IMMEDIATE so that claims serialize on the write lock.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=10000&_journal_mode=WAL",
		filepath.Join(t.TempDir(), "inbox.db"))
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	_, err = db.Exec(`CREATE TABLE inbox_messages (
		message_id  TEXT      NOT NULL,
		consumer_id TEXT      NOT NULL,
		state       INTEGER   NOT NULL,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (message_id, consumer_id)
	)`)
	require.NoError(t, err)

	_, err = db.Exec(`CREATE TABLE entity_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		payload    TEXT NOT NULL
	)`)
	require.NoError(t, err)

	return db
}

func countEvents(t *testing.T, db *sql.DB) int {
	t.Helper()

	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM entity_events").Scan(&count)
	require.NoError(t, err)
	return count
}

func countRecords(t *testing.T, db *sql.DB) int {
	t.Helper()

	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM inbox_messages").Scan(&count)
	require.NoError(t, err)
	return count
}

// eventHandler writes one entity_events row per call through the inbox
// transaction, then fails if fail returns an error for that call.
type eventHandler struct {
	calls atomic.Int32
	fail  func(call int32) error
}

func (h *eventHandler) ConsumerID() string {
	return testConsumerID
}

func (h *eventHandler) Handle(ctx context.Context, tx TxQueryer, msg *Message) error {
	call := h.calls.Add(1)

	_, err := tx.ExecContext(ctx, "INSERT INTO entity_events (message_id, payload) VALUES (?, ?)",
		msg.ID.String(), string(msg.Payload))
	if err != nil {
		return err
	}

	if h.fail != nil {
		return h.fail(call)
	}
	return nil
}

// testClock returns strictly increasing instants, one second apart.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(time.Second)
	return c.now
}

// faultyDB wraps a DB and injects errors into transactions.
type faultyDB struct {
	DB

	mu          sync.Mutex
	beginErrs   []error
	commitErrs  []error
	rollbackErr error
	queryErr    error
	begins      int
}

func (f *faultyDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	f.mu.Lock()
	f.begins++
	var beginErr error
	if len(f.beginErrs) > 0 {
		beginErr, f.beginErrs = f.beginErrs[0], f.beginErrs[1:]
	}
	var commitErr error
	if len(f.commitErrs) > 0 {
		commitErr, f.commitErrs = f.commitErrs[0], f.commitErrs[1:]
	}
	rollbackErr := f.rollbackErr
	f.mu.Unlock()

	if beginErr != nil {
		return nil, beginErr
	}

	tx, err := f.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &faultyTx{Tx: tx, commitErr: commitErr, rollbackErr: rollbackErr}, nil
}

func (f *faultyDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.DB.QueryContext(ctx, query, args...)
}

// faultyTx fails Commit or Rollback after performing the real rollback, so
// that locks are always released.
type faultyTx struct {
	Tx

	commitErr   error
	rollbackErr error
}

func (f *faultyTx) Commit() error {
	if f.commitErr != nil {
		_ = f.Tx.Rollback()
		return f.commitErr
	}
	return f.Tx.Commit()
}

func (f *faultyTx) Rollback() error {
	err := f.Tx.Rollback()
	if f.rollbackErr != nil {
		return f.rollbackErr
	}
	return err
}

type observedConsume struct {
	consumerID string
	outcome    Outcome
}

type fakeObserver struct {
	mu       sync.Mutex
	consumed []observedConsume
	retries  []int
}

func (o *fakeObserver) OnConsumed(consumerID string, outcome Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.consumed = append(o.consumed, observedConsume{consumerID: consumerID, outcome: outcome})
}

func (o *fakeObserver) OnRetry(_ string, attempt int, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries = append(o.retries, attempt)
}
