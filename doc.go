// Package inbox implements the transactional inbox pattern, making the effect of
// messages delivered at-least-once happen at most once per logical consumer.
//
// Every (message, consumer) pair seen is recorded in an "inbox" table whose
// primary key is the pair itself. Consuming a delivery then works as follows:
//
//  1. The record is inserted in state New unless it already exists. Losing the
//     insert race to another instance is fine.
//
//  2. A transaction is opened and the New record is claimed with a
//     lock-and-skip-locked read (FOR UPDATE SKIP LOCKED or the dialect
//     equivalent). If nothing comes back, the message is already done or
//     another instance is working on it, and the delivery is a no-op.
//
//  3. The handler runs inside that transaction. On success the record moves
//     to Done in the same transaction, which then commits. On failure the
//     transaction rolls back, the record stays New with its updated_at bumped,
//     and the error is returned so the transport can redeliver.
//
// Steps 2 and 3 form a unit that an ExecutionStrategy may retry from the start
// when the database reports a transient failure.
//
// The package provides:
//   - A `Consumer`, built around a message type specific `Handler`, exposing
//     `Consume` for the transport's delivery callback.
//   - A `Store` with the low level record operations.
//   - `NoRetry` and `RetryStrategy` execution strategies.
//
// The library only relies on database/sql, and works with PostgreSQL, MySQL,
// MariaDB, SQLite, Oracle and SQL Server. SQLite has no row locks, so its
// connections must open transactions with BEGIN IMMEDIATE, for go-sqlite3 by
// adding _txlock=immediate to the DSN; otherwise concurrent claims are not
// exclusive.
//
// The inbox table is owned by the application, for PostgreSQL it looks like:
//
//	CREATE TABLE inbox_messages (
//	    message_id  UUID        NOT NULL,
//	    consumer_id TEXT        NOT NULL,
//	    state       SMALLINT    NOT NULL,
//	    created_at  TIMESTAMPTZ NOT NULL,
//	    updated_at  TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (message_id, consumer_id)
//	);
package inbox
