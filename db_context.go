package inbox

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// SQLDialect represents a SQL database dialect.
type SQLDialect string

// Supported database dialects.
const (
	SQLDialectPostgres SQLDialect = "postgres"
	SQLDialectMySQL    SQLDialect = "mysql"
	SQLDialectMariaDB  SQLDialect = "mariadb"

	// SQLDialectSQLite has no row locks: claims are only exclusive when
	// transactions start with BEGIN IMMEDIATE, which go-sqlite3 does when
	// the DSN sets _txlock=immediate (e.g. "file:inbox.db?_txlock=immediate").
	// With the default deferred transactions two instances may claim and
	// process the same message.
	SQLDialectSQLite SQLDialect = "sqlite"

	SQLDialectOracle    SQLDialect = "oracle"
	SQLDialectSQLServer SQLDialect = "sqlserver"
)

// Queryer represents a query executor.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// TxQueryer represents a query executor inside a transaction.
// Handlers receive it to perform their business writes.
type TxQueryer interface {
	Queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx represents a database transaction.
// It is compatible with the standard sql.Tx type.
type Tx interface {
	Commit() error
	Rollback() error
	TxQueryer
}

// DB represents a database connection.
// It is compatible with the standard sql.DB type.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Queryer
}

// DBContext holds the database connection, the SQL dialect and the
// error classifier used to interpret driver errors.
type DBContext struct {
	db         DB
	dialect    SQLDialect
	tableName  string
	classifier ErrorClassifier
}

// DBContextOption is a function that configures a DBContext instance.
type DBContextOption func(*DBContext)

// WithTableName sets a custom table name for the inbox table.
// Default is "inbox_messages".
// The table name must be a valid SQL identifier matching the pattern [a-zA-Z_][a-zA-Z0-9_]*.
// An invalid table name will cause a panic when creating the DBContext.
func WithTableName(tableName string) DBContextOption {
	return func(c *DBContext) {
		c.tableName = tableName
	}
}

// WithErrorClassifier sets the classifier used to recognise unique
// constraint violations and transient failures reported by the driver.
// The default classifier only knows driver agnostic conditions such as
// driver.ErrBadConn; see package sqlerrors for a driver aware one.
func WithErrorClassifier(classifier ErrorClassifier) DBContextOption {
	return func(c *DBContext) {
		if classifier != nil {
			c.classifier = classifier
		}
	}
}

// NewDBContext creates a new DBContext from a standard *sql.DB.
func NewDBContext(db *sql.DB, dialect SQLDialect, opts ...DBContextOption) *DBContext {
	return NewDBContextWithDB(&dbAdapter{DB: db}, dialect, opts...)
}

// NewDBContextWithDB creates a new DBContext with a custom DB implementation.
// This is useful for users who want to provide their own database abstraction or for testing.
func NewDBContextWithDB(db DB, dialect SQLDialect, opts ...DBContextOption) *DBContext {
	c := &DBContext{
		db:         db,
		dialect:    dialect,
		tableName:  "inbox_messages",
		classifier: defaultClassifier{},
	}

	for _, opt := range opts {
		opt(c)
	}

	err := validateTableName(c.tableName)
	if err != nil {
		panic(err)
	}

	return c
}

// Dialect returns the SQL dialect of the context.
func (c *DBContext) Dialect() SQLDialect {
	return c.dialect
}

var sqlIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if !sqlIdentifierRegexp.MatchString(name) {
		return fmt.Errorf(
			"invalid table name %q: must match [a-zA-Z_][a-zA-Z0-9_]*",
			name,
		)
	}
	return nil
}

// formatMessageIDForDB formats the message ID based on the SQL dialect.
func (c *DBContext) formatMessageIDForDB(id uuid.UUID) any {
	switch c.dialect {
	case SQLDialectMySQL, SQLDialectOracle, SQLDialectSQLServer:
		bytes, _ := id.MarshalBinary() // binary(16) columns
		return bytes
	case SQLDialectPostgres, SQLDialectMariaDB:
		return id // native uuid types
	default:
		return id.String()
	}
}

// getSQLPlaceholder returns the appropriate SQL placeholder for the given index.
func (c *DBContext) getSQLPlaceholder(index int) string {
	switch c.dialect {
	case SQLDialectPostgres:
		return fmt.Sprintf("$%d", index)

	case SQLDialectOracle:
		return fmt.Sprintf(":%d", index)

	case SQLDialectSQLServer:
		return fmt.Sprintf("@p%d", index)

	default:
		return "?"
	}
}

// txOptions returns the options used to open the claim transaction.
// Read committed is enough: the row lock taken by the claim query carries
// the mutual exclusion. SQLite has no isolation levels to pick from.
func (c *DBContext) txOptions() *sql.TxOptions {
	if c.dialect == SQLDialectSQLite {
		return nil
	}
	return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
}

const recordColumns = "message_id, consumer_id, state, created_at, updated_at"

func (c *DBContext) buildExistsQuery() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE message_id = %s AND consumer_id = %s",
		c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2))
}

func (c *DBContext) buildGetQuery() string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE message_id = %s AND consumer_id = %s",
		recordColumns, c.tableName, c.getSQLPlaceholder(1), c.getSQLPlaceholder(2))
}

// buildInsertIfAbsentQuery returns an insert that does not fail when the
// (message_id, consumer_id) pair is already present. Args are message id,
// consumer id, state, created at and updated at, in that order.
func (c *DBContext) buildInsertIfAbsentQuery() string {
	p := c.getSQLPlaceholder

	switch c.dialect {
	case SQLDialectPostgres, SQLDialectSQLite:
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s, %s, %s, %s, %s) ON CONFLICT (message_id, consumer_id) DO NOTHING",
			c.tableName, recordColumns, p(1), p(2), p(3), p(4), p(5))

	case SQLDialectMySQL, SQLDialectMariaDB:
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s, %s, %s, %s, %s) ON DUPLICATE KEY UPDATE message_id = message_id",
			c.tableName, recordColumns, p(1), p(2), p(3), p(4), p(5))

	case SQLDialectOracle:
		return fmt.Sprintf("MERGE INTO %s t USING (SELECT %s AS message_id, %s AS consumer_id, %s AS state, %s AS created_at, %s AS updated_at FROM dual) s "+
			"ON (t.message_id = s.message_id AND t.consumer_id = s.consumer_id) "+
			"WHEN NOT MATCHED THEN INSERT (%s) VALUES (s.message_id, s.consumer_id, s.state, s.created_at, s.updated_at)",
			c.tableName, p(1), p(2), p(3), p(4), p(5), recordColumns)

	case SQLDialectSQLServer:
		return fmt.Sprintf("MERGE %s WITH (HOLDLOCK) AS t USING (SELECT %s AS message_id, %s AS consumer_id, %s AS state, %s AS created_at, %s AS updated_at) AS s "+
			"ON (t.message_id = s.message_id AND t.consumer_id = s.consumer_id) "+
			"WHEN NOT MATCHED THEN INSERT (%s) VALUES (s.message_id, s.consumer_id, s.state, s.created_at, s.updated_at);",
			c.tableName, p(1), p(2), p(3), p(4), p(5), recordColumns)

	default:
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s, %s, %s, %s, %s)",
			c.tableName, recordColumns, p(1), p(2), p(3), p(4), p(5))
	}
}

// buildClaimQuery returns the lock-and-skip-locked read of a pending record.
// Args are message id, consumer id and the New state.
func (c *DBContext) buildClaimQuery() string {
	p := c.getSQLPlaceholder

	switch c.dialect {
	case SQLDialectSQLServer:
		return fmt.Sprintf("SELECT %s FROM %s WITH (UPDLOCK, ROWLOCK, READPAST) WHERE message_id = %s AND consumer_id = %s AND state = %s",
			recordColumns, c.tableName, p(1), p(2), p(3))

	case SQLDialectSQLite:
		// BEGIN IMMEDIATE (_txlock=immediate) already holds the database write lock
		return fmt.Sprintf("SELECT %s FROM %s WHERE message_id = %s AND consumer_id = %s AND state = %s",
			recordColumns, c.tableName, p(1), p(2), p(3))

	default:
		return fmt.Sprintf("SELECT %s FROM %s WHERE message_id = %s AND consumer_id = %s AND state = %s FOR UPDATE SKIP LOCKED",
			recordColumns, c.tableName, p(1), p(2), p(3))
	}
}

// buildUpdateStateQuery sets state and updated_at of a record still in
// the given state. Args are new state, updated at, message id, consumer id
// and expected state.
func (c *DBContext) buildUpdateStateQuery() string {
	p := c.getSQLPlaceholder
	return fmt.Sprintf("UPDATE %s SET state = %s, updated_at = %s WHERE message_id = %s AND consumer_id = %s AND state = %s",
		c.tableName, p(1), p(2), p(3), p(4), p(5))
}

// buildTouchQuery bumps updated_at of a record still in the given state.
// Args are updated at, message id, consumer id and expected state.
func (c *DBContext) buildTouchQuery() string {
	p := c.getSQLPlaceholder
	return fmt.Sprintf("UPDATE %s SET updated_at = %s WHERE message_id = %s AND consumer_id = %s AND state = %s",
		c.tableName, p(1), p(2), p(3), p(4))
}

// txAdapter is a wrapper around a sql.Tx that implements the Tx interface.
type txAdapter struct {
	tx *sql.Tx
}

func (a *txAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.tx.ExecContext(ctx, query, args...)
}

func (a *txAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.tx.QueryContext(ctx, query, args...)
}

func (a *txAdapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.tx.QueryRowContext(ctx, query, args...)
}

func (a *txAdapter) Commit() error {
	return a.tx.Commit()
}

func (a *txAdapter) Rollback() error {
	return a.tx.Rollback()
}

// dbAdapter is a wrapper around a sql.DB that implements the DB interface.
type dbAdapter struct {
	DB *sql.DB
}

func (a *dbAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := a.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &txAdapter{tx}, nil
}

func (a *dbAdapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.DB.ExecContext(ctx, query, args...)
}

func (a *dbAdapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.DB.QueryContext(ctx, query, args...)
}
