// Package source holds the plumbing shared by the source plugins: building a
// fetch client from configuration, streaming paged API results into the raw
// store one page per transaction, and parsing the timestamp formats the
// source APIs emit.
package source

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/lake/am"
	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/fetch"
	"github.com/teranos/lake/logger"
	"github.com/teranos/lake/plugin"
	"github.com/teranos/lake/rawstore"
)

// Client builds a fetch client for the named source. A configuration error is
// returned, not raised, so plugins can report it from their preflight check.
func Client(name string, src am.SourceConfig, opts ...fetch.Option) (*fetch.Client, error) {
	if src.Host == "" && src.Token == "" {
		return nil, errors.WithHintf(
			errors.Mark(errors.Newf("source %s is not configured", name), am.ErrInvalidConfig),
			"add a [sources.%s] section with host and token to lake.toml", name)
	}
	c, err := fetch.New(fetch.FromSource(src), opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "sources.%s", name)
	}
	return c, nil
}

// Extract pulls the record key and source update time out of one API item
type Extract func(item json.RawMessage) (key string, updated time.Time, err error)

// Collection names a raw collection and how its records are keyed
type Collection struct {
	Name    string
	Extract Extract
}

// Collect streams the paged resource into the raw store. Items are written one
// page per transaction as pages complete; an error keeps the pages already
// written. Returns the number of records upserted.
func Collect(ctx context.Context, client *fetch.Client, store *rawstore.Store, coll Collection,
	scope plugin.PrimaryKeys, resourceURI string, log *zap.SugaredLogger, opts ...fetch.PageOption) (int, error) {

	identity := scope.Identity()
	log = logger.LoggerFromContext(ctx, log).With(logger.FieldCollection, coll.Name, logger.FieldScope, identity)

	var (
		batch []rawstore.Record
		page  int
		total int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := store.UpsertBatch(ctx, coll.Name, batch); err != nil {
			return errors.Wrapf(err, "store page %d", page)
		}
		total += len(batch)
		log.Debugw("Stored page", logger.FieldPage, page, logger.FieldCount, len(batch))
		batch = batch[:0]
		return nil
	}

	for item, err := range client.FetchPaged(ctx, resourceURI, opts...) {
		if err != nil {
			return total, errors.CombineErrors(err, flush())
		}
		if item.Page != page {
			if err := flush(); err != nil {
				return total, err
			}
			page = item.Page
		}

		key, updated, err := coll.Extract(item.Data)
		if err != nil {
			return total, errors.CombineErrors(errors.Wrapf(err, "page %d", item.Page), flush())
		}
		batch = append(batch, rawstore.Record{
			Key:     key,
			Scope:   identity,
			Data:    item.Data,
			Updated: updated,
		})
	}
	if err := flush(); err != nil {
		return total, err
	}

	log.Infow("Collected", logger.FieldCount, total)
	return total, nil
}

// timeLayouts covers RFC 3339 (GitLab) and Jira's offset-without-colon form
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
}

// ParseTime parses an API timestamp into UTC
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Newf("unrecognized timestamp %q", s)
}

// ParseOptionalTime parses s, returning nil for an empty or null value
func ParseOptionalTime(s *string) (*time.Time, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	t, err := ParseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
