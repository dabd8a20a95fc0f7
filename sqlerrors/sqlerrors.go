// Package sqlerrors classifies errors returned by the database drivers the
// inbox supports.
//
// A Classifier recognises unique constraint violations, which the inbox
// treats as a lost insert race, and transient failures, which make the claim
// and handle unit worth retrying. It understands:
//
//   - PostgreSQL through github.com/jackc/pgx/v5 and github.com/lib/pq
//   - MySQL and MariaDB through github.com/go-sql-driver/mysql
//   - SQLite through github.com/mattn/go-sqlite3
//   - Oracle through github.com/sijms/go-ora/v2
//   - SQL Server through github.com/denisenkom/go-mssqldb
//
// Plug it into the inbox with:
//
//	dbCtx := inbox.NewDBContext(db, inbox.SQLDialectMySQL,
//	    inbox.WithErrorClassifier(sqlerrors.New()))
//	strategy := dbCtx.NewRetryStrategy(inbox.WithMaxRetries(5))
package sqlerrors

import (
	"context"
	"errors"

	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/oagudo/inbox"
	"github.com/sijms/go-ora/v2/network"
)

// Classifier implements inbox.ErrorClassifier for the supported drivers.
type Classifier struct {
	mysqlTransient     map[uint16]struct{}
	postgresTransient  map[string]struct{}
	oracleTransient    map[int]struct{}
	sqlServerTransient map[int32]struct{}
}

var _ inbox.ErrorClassifier = (*Classifier)(nil)

// Option is a function that configures a Classifier instance.
type Option func(*Classifier)

// WithMySQLTransientErrors adds MySQL error numbers to treat as transient.
func WithMySQLTransientErrors(numbers ...uint16) Option {
	return func(c *Classifier) {
		for _, n := range numbers {
			c.mysqlTransient[n] = struct{}{}
		}
	}
}

// WithPostgresTransientErrors adds SQLSTATE codes to treat as transient.
func WithPostgresTransientErrors(codes ...string) Option {
	return func(c *Classifier) {
		for _, code := range codes {
			c.postgresTransient[code] = struct{}{}
		}
	}
}

// WithOracleTransientErrors adds ORA error numbers to treat as transient.
func WithOracleTransientErrors(codes ...int) Option {
	return func(c *Classifier) {
		for _, code := range codes {
			c.oracleTransient[code] = struct{}{}
		}
	}
}

// WithSQLServerTransientErrors adds SQL Server error numbers to treat as transient.
func WithSQLServerTransientErrors(numbers ...int32) Option {
	return func(c *Classifier) {
		for _, n := range numbers {
			c.sqlServerTransient[n] = struct{}{}
		}
	}
}

// New creates a Classifier with the default transient error sets.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		mysqlTransient:     setOf(defaultMySQLTransient...),
		postgresTransient:  setOf(defaultPostgresTransient...),
		oracleTransient:    setOf(defaultOracleTransient...),
		sqlServerTransient: setOf(defaultSQLServerTransient...),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

var (
	defaultMySQLTransient = []uint16{
		1040, // too many connections
		1042, // can't get hostname for your address
		1158, // error reading communication packets
		1159, // timeout reading communication packets
		1160, // error writing communication packets
		1161, // timeout writing communication packets
		1205, // lock wait timeout exceeded
		1213, // deadlock found
		1927, // connection was killed
		2002, // can't connect through socket
		2003, // can't connect to server
		2006, // server has gone away
		2013, // lost connection during query
	}

	defaultPostgresTransient = []string{
		"40001", // serialization_failure
		"40P01", // deadlock_detected
		"53300", // too_many_connections
		"55P03", // lock_not_available
		"57P01", // admin_shutdown
		"57P02", // crash_shutdown
		"57P03", // cannot_connect_now
	}

	defaultOracleTransient = []int{
		54,    // resource busy
		60,    // deadlock detected
		3113,  // end-of-file on communication channel
		3114,  // not connected to oracle
		3135,  // connection lost contact
		8177,  // can't serialize access
		12170, // connect timeout
		12514, // listener does not know of service
		12541, // no listener
	}

	defaultSQLServerTransient = []int32{
		233,   // connection closed by the server
		1205,  // deadlock victim
		1222,  // lock request timeout
		4060,  // cannot open database
		10053, // connection aborted
		10054, // connection reset
		10060, // connection timed out
		40197, // service error, retry
		40501, // service busy
		40613, // database unavailable
	}
)

// IsUniqueViolation reports whether err is a unique or primary key violation.
func (c *Classifier) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	if code, ok := postgresCode(err); ok {
		return code == "23505"
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062 || mysqlErr.Number == 1586
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	var oraErr *network.OracleError
	if errors.As(err, &oraErr) {
		return oraErr.ErrCode == 1
	}

	var msErr mssql.Error
	if errors.As(err, &msErr) {
		return msErr.Number == 2627 || msErr.Number == 2601
	}

	return false
}

// IsTransient reports whether retrying the failed unit of work may succeed.
// Context cancellation and deadline errors are never transient.
func (c *Classifier) IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if code, ok := postgresCode(err); ok {
		if _, found := c.postgresTransient[code]; found {
			return true
		}
		return len(code) == 5 && code[:2] == "08" // connection_exception class
	}

	if isContextError(err) {
		return false
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		_, found := c.mysqlTransient[mysqlErr.Number]
		return found
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}

	var oraErr *network.OracleError
	if errors.As(err, &oraErr) {
		_, found := c.oracleTransient[oraErr.ErrCode]
		return found
	}

	var msErr mssql.Error
	if errors.As(err, &msErr) {
		_, found := c.sqlServerTransient[msErr.Number]
		return found
	}

	return inbox.IsConnectionError(err)
}

// postgresCode extracts the SQLSTATE of a pgx or lib/pq error.
func postgresCode(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), true
	}

	return "", false
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func setOf[T comparable](values ...T) map[T]struct{} {
	set := make(map[T]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
