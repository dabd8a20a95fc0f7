package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Consumer applies inbound messages to the database at most once per
// logical consumer, whatever the number of deliveries or of running
// instances.
//
// Every delivery goes through the inbox table: the (message, consumer)
// pair is recorded, then claimed under a row lock that concurrent
// instances skip, and the handler runs in the claiming transaction. The
// handler effect and the Done state commit together, so once a message is
// Done for a consumer, further deliveries are no-ops.
type Consumer struct {
	dbCtx      *DBContext
	store      *Store
	handler    Handler
	consumerID string

	strategy           ExecutionStrategy
	logger             *slog.Logger
	observer           Observer
	failureMarkTimeout time.Duration
}

// ConsumerOption is a function that configures a Consumer instance.
type ConsumerOption func(*Consumer)

// WithConsumerID sets the consumer id the inbox records are keyed on.
// By default it is taken from the handler, see ConsumerIdentifier.
func WithConsumerID(consumerID string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerID = consumerID
	}
}

// WithExecutionStrategy sets the strategy wrapping the claim and handle
// unit of work. Default is NoRetry().
func WithExecutionStrategy(strategy ExecutionStrategy) ConsumerOption {
	return func(c *Consumer) {
		if strategy != nil {
			c.strategy = strategy
		}
	}
}

// WithLogger sets the logger. Default discards all output.
func WithLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver sets an observer notified of every consumed delivery.
func WithObserver(observer Observer) ConsumerOption {
	return func(c *Consumer) {
		if observer != nil {
			c.observer = observer
		}
	}
}

// WithFailureMarkTimeout sets the timeout for recording a failed attempt on
// the inbox record. The failure marker is written even if the delivery
// context is already cancelled. Default is 5 seconds.
func WithFailureMarkTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if timeout > 0 {
			c.failureMarkTimeout = timeout
		}
	}
}

// NewConsumer creates a Consumer delivering messages to handler.
//
// NewConsumer panics if no consumer id is given and none can be derived
// from the handler.
func NewConsumer(dbCtx *DBContext, handler Handler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		dbCtx:              dbCtx,
		store:              NewStore(dbCtx),
		handler:            handler,
		strategy:           NoRetry(),
		logger:             slog.New(slog.DiscardHandler),
		observer:           noOpObserver{},
		failureMarkTimeout: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.consumerID == "" {
		id, err := consumerIDOf(handler)
		if err != nil {
			panic(err)
		}
		c.consumerID = id
	}

	return c
}

// ConsumerID returns the id the inbox records of this consumer are keyed on.
func (c *Consumer) ConsumerID() string {
	return c.consumerID
}

// Consume processes one delivery of msg. ctx carries the delivery
// cancellation signal and flows into every database call and the handler.
//
// The returned outcome is one of:
//   - OutcomeProcessed: the handler ran and its effect committed;
//   - OutcomeSkipped: the message was already processed, or is being
//     processed by another instance right now. Nothing was changed;
//   - OutcomeFailed: along with a non nil error. Any handler writes were
//     rolled back and the message can be redelivered.
//
// A panicking handler leaves the message New, as a failed attempt would, and
// the panic is propagated to the caller.
//
// Handler errors are returned as *HandlerError. When the execution strategy
// retries, the whole claim and handle unit runs again from a new transaction.
func (c *Consumer) Consume(ctx context.Context, msg *Message) (outcome Outcome, err error) {
	started := time.Now()
	outcome = OutcomeFailed
	defer func() {
		// also runs when the handler panics, reporting a failure
		c.observer.OnConsumed(c.consumerID, outcome, time.Since(started))
	}()

	return c.consume(ctx, msg)
}

func (c *Consumer) consume(ctx context.Context, msg *Message) (Outcome, error) {
	messageID, err := msg.ResolveID()
	if err != nil {
		c.logger.ErrorContext(ctx, "resolving message id",
			slog.String("consumer_id", c.consumerID), slog.Any("error", err))
		return OutcomeFailed, fmt.Errorf("resolving message id: %w", err)
	}

	key := Key{MessageID: messageID, ConsumerID: c.consumerID}
	logger := c.logger.With(
		slog.String("message_id", messageID.String()),
		slog.String("consumer_id", c.consumerID),
	)

	err = c.ensureRecord(ctx, key)
	if err != nil {
		logger.ErrorContext(ctx, "recording message in inbox", slog.Any("error", err))
		return OutcomeFailed, err
	}

	if !c.strategy.RetriesOnFailure() {
		return c.process(ctx, logger, key, msg)
	}

	var (
		outcome Outcome
		attempt int
		lastErr error
	)
	err = c.strategy.Execute(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			logger.InfoContext(ctx, "retrying message", slog.Int("attempt", attempt), slog.Any("error", lastErr))
			c.observer.OnRetry(c.consumerID, attempt, lastErr)
		}

		outcome, lastErr = c.process(ctx, logger, key, msg)
		return lastErr
	})
	if err != nil {
		return OutcomeFailed, err
	}

	return outcome, nil
}

// ensureRecord makes sure a record exists for key. It runs outside of the
// claiming transaction; inserting is idempotent so it is not retried along
// with the claim.
func (c *Consumer) ensureRecord(ctx context.Context, key Key) error {
	exists, err := c.store.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	return c.store.InsertIfAbsent(ctx, key)
}

// process runs one claim and handle attempt in its own transaction.
func (c *Consumer) process(ctx context.Context, logger *slog.Logger, key Key, msg *Message) (Outcome, error) {
	tx, err := c.dbCtx.db.BeginTx(ctx, c.dbCtx.txOptions())
	if err != nil {
		return OutcomeFailed, fmt.Errorf("beginning transaction: %w", err)
	}

	var (
		rec      *Record
		finished bool
	)
	defer func() {
		if finished {
			return
		}
		// handler panicked, release the row lock and record the attempt
		// before the panic unwinds further
		_ = tx.Rollback()
		if rec != nil {
			c.markFailure(ctx, logger, rec)
		}
	}()

	rec, err = c.store.Claim(ctx, tx, key)
	if err != nil {
		finished = true
		c.rollback(ctx, logger, tx)
		return OutcomeFailed, err
	}

	if rec == nil {
		finished = true
		c.rollback(ctx, logger, tx)
		logger.DebugContext(ctx, "message already processed or claimed by another instance")
		return OutcomeSkipped, nil
	}

	err = c.handleClaimed(ctx, tx, rec, msg)
	finished = true
	if err != nil {
		logger.ErrorContext(ctx, "consuming message", slog.Any("error", err))
		c.rollback(ctx, logger, tx)
		c.markFailure(ctx, logger, rec)
		return OutcomeFailed, err
	}

	logger.DebugContext(ctx, "message processed")
	return OutcomeProcessed, nil
}

func (c *Consumer) handleClaimed(ctx context.Context, tx Tx, rec *Record, msg *Message) error {
	err := c.handler.Handle(ctx, tx, msg)
	if err != nil {
		return &HandlerError{Key: rec.Key, Err: err}
	}

	err = c.store.MarkDone(ctx, tx, rec)
	if err != nil {
		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// rollback rolls tx back. A failure is logged only: it must not hide the
// error that led to the rollback.
func (c *Consumer) rollback(ctx context.Context, logger *slog.Logger, tx Tx) {
	err := tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.WarnContext(ctx, "rolling back transaction", slog.Any("error", err))
	}
}

// markFailure bumps updated_at of a record whose attempt failed, in its own
// unit of work. It is best effort.
func (c *Consumer) markFailure(ctx context.Context, logger *slog.Logger, rec *Record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.failureMarkTimeout)
	defer cancel()

	err := c.store.TouchFailure(ctx, rec)
	if err != nil {
		logger.WarnContext(ctx, "recording failed attempt", slog.Any("error", err))
	}
}
