package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/teranos/lake/internal/util"
	"github.com/teranos/lake/logger"
	"github.com/teranos/lake/plugin"
	"github.com/teranos/lake/plugins/internal/source"
)

// rawCollection is what differs between the project collectors
type rawCollection struct {
	task       string
	collection string
	// uri builds the resource for project, limited to records updated since when non-zero
	uri     func(project string, since time.Time) string
	extract func(project string) source.Extract
}

var commits = rawCollection{
	task:       TaskCollectCommits,
	collection: EntityRawCommits,
	uri: func(project string, since time.Time) string {
		uri := fmt.Sprintf("projects/%s/repository/commits", url.PathEscape(project))
		if !since.IsZero() {
			uri += "?since=" + url.QueryEscape(since.Format(time.RFC3339))
		}
		return uri
	},
	extract: func(project string) source.Extract {
		return func(item json.RawMessage) (string, time.Time, error) {
			c, err := decodeCommit(item)
			if err != nil {
				return "", time.Time{}, err
			}
			committed, err := source.ParseTime(c.CommittedDate)
			return project + ":" + c.ID, committed, err
		}
	},
}

var mergeRequests = rawCollection{
	task:       TaskCollectMergeRequests,
	collection: EntityRawMergeRequests,
	uri: func(project string, since time.Time) string {
		q := url.Values{}
		q.Set("state", "all")
		q.Set("order_by", "updated_at")
		q.Set("sort", "asc")
		if !since.IsZero() {
			q.Set("updated_after", since.Format(time.RFC3339))
		}
		return fmt.Sprintf("projects/%s/merge_requests?%s", url.PathEscape(project), q.Encode())
	},
	extract: func(project string) source.Extract {
		return func(item json.RawMessage) (string, time.Time, error) {
			mr, err := decodeMergeRequest(item)
			if err != nil {
				return "", time.Time{}, err
			}
			updated, err := mr.updated()
			return project + ":" + mr.key(), updated, err
		}
	},
}

type projectCollector struct {
	p    *Plugin
	coll rawCollection
}

func (c *projectCollector) Name() string { return c.coll.task }

func (c *projectCollector) Dependencies(plugin.PrimaryKeys) map[string]plugin.PrimaryKeys {
	return nil
}

func (c *projectCollector) IsDataPrepared(ctx context.Context, pk plugin.PrimaryKeys) (bool, error) {
	scope, err := projectScope(pk)
	if err != nil {
		return false, err
	}
	return c.p.raw.Exists(ctx, c.coll.collection, scope.Identity())
}

func (c *projectCollector) CleanData(ctx context.Context, pk *plugin.PrimaryKeys) (bool, error) {
	var identity *string
	if pk != nil {
		scope, err := projectScope(*pk)
		if err != nil {
			return false, err
		}
		identity = util.Ptr(scope.Identity())
	}
	n, err := c.p.raw.DeleteScope(ctx, c.coll.collection, identity)
	return n > 0, err
}

// CollectData walks the project's resource page by page via X-Next-Page,
// starting from the newest record already stored.
func (c *projectCollector) CollectData(ctx context.Context, pk plugin.PrimaryKeys) error {
	if c.p.clientErr != nil {
		return c.p.clientErr
	}
	log := logger.LoggerFromContext(ctx, c.p.logger)
	if c.p.client.Skipped(c.coll.task) {
		log.Infow("Collector skipped by configuration", logger.FieldTask, c.coll.task)
		return nil
	}

	scope, err := projectScope(pk)
	if err != nil {
		return err
	}
	project := scope.Text("projectId")

	since, err := c.p.raw.Latest(ctx, c.coll.collection, scope.Identity())
	if err != nil {
		return err
	}

	coll := source.Collection{Name: c.coll.collection, Extract: c.coll.extract(project)}
	_, err = source.Collect(ctx, c.p.client, c.p.raw, coll, scope, c.coll.uri(project, since), log)
	return err
}

var _ plugin.Collector = (*projectCollector)(nil)
