// Package enrich turns raw records into normalized rows.
//
// The engine selects raw records (all of them, or only those changed since they
// were last enriched), transforms each one, and writes the result together with
// the record's new watermark in a single transaction. One bad record never
// blocks the rest of the batch.
package enrich

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/logger"
	"github.com/teranos/lake/rawstore"
)

// Output is the enriched form of one raw record
type Output interface {
	// Write upserts the enriched row and replaces its link rows inside tx
	Write(ctx context.Context, tx *sql.Tx) error
}

// TransformFunc converts a raw record. Returning a nil Output advances the
// watermark without writing anything.
type TransformFunc func(ctx context.Context, rec rawstore.Record) (Output, error)

// Spec describes one enrichment pass
type Spec struct {
	Collection string // raw collection to read
	Scope      string // raw scope (PrimaryKeys identity), empty for every scope
	Force      bool   // re-enrich every record instead of pending ones
	Transform  TransformFunc
}

// Result summarizes a pass
type Result struct {
	Selected int
	Enriched int
	Failed   int
	Errors   []error
}

// Err joins the per-record failures, nil when none
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// RecordError is a per-record enrichment failure. It is logged and counted,
// never fatal to the batch.
type RecordError struct {
	Collection string
	Key        string
	Err        error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("enrich %s/%s: %v", e.Collection, e.Key, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Engine runs enrichment passes over a raw store
type Engine struct {
	store  *rawstore.Store
	logger *zap.SugaredLogger
}

// NewEngine creates an engine reading from store
func NewEngine(store *rawstore.Store, log *zap.SugaredLogger) *Engine {
	return &Engine{store: store, logger: logger.OrComponent(log, "enrich")}
}

// Store returns the raw store the engine reads
func (e *Engine) Store() *rawstore.Store {
	return e.store
}

// Pending counts the records an incremental pass would select
func (e *Engine) Pending(ctx context.Context, collection, scope string) (int, error) {
	return e.store.Count(ctx, rawstore.Query{Collection: collection, Scope: scope, Pending: true})
}

// Run executes one pass. The returned error covers selection failures and
// cancellation only; per-record failures are reported in Result.
func (e *Engine) Run(ctx context.Context, spec Spec) (Result, error) {
	if spec.Collection == "" || spec.Transform == nil {
		return Result{}, errors.NewInvalidRequestError("enrich spec requires a collection and a transform")
	}

	log := logger.LoggerFromContext(ctx, e.logger).With(logger.FieldCollection, spec.Collection)
	start := time.Now()

	recs, err := e.store.List(ctx, rawstore.Query{
		Collection: spec.Collection,
		Scope:      spec.Scope,
		Pending:    !spec.Force,
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "select raw records")
	}

	res := Result{Selected: len(recs)}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return res, errors.Wrap(err, "enrichment interrupted")
		}

		if err := e.enrichOne(ctx, spec, rec); err != nil {
			recErr := &RecordError{Collection: rec.Collection, Key: rec.Key, Err: err}
			res.Failed++
			res.Errors = append(res.Errors, recErr)
			log.Warnw("Record enrichment failed",
				logger.FieldKey, rec.Key,
				logger.FieldError, err.Error(),
			)
			continue
		}
		res.Enriched++
	}

	log.Infow("Enrichment pass complete",
		logger.FieldSelected, res.Selected,
		logger.FieldCount, res.Enriched,
		logger.FieldFailed, res.Failed,
		"force", spec.Force,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)
	return res, nil
}

// enrichOne transforms rec and commits its output and watermark together
func (e *Engine) enrichOne(ctx context.Context, spec Spec, rec rawstore.Record) (err error) {
	out, err := spec.Transform(ctx, rec)
	if err != nil {
		return errors.Wrap(err, "transform")
	}

	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = errors.CombineErrors(err, rbErr)
			}
		}
	}()

	if out != nil {
		if err := out.Write(ctx, tx); err != nil {
			return errors.Wrap(err, "write")
		}
	}
	if err := e.store.WithTx(tx).MarkEnriched(ctx, rec.Collection, rec.Key, rec.Updated); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}
