package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/teranos/lake/fetch"
	"github.com/teranos/lake/internal/util"
	"github.com/teranos/lake/logger"
	"github.com/teranos/lake/plugin"
	"github.com/teranos/lake/plugins/internal/source"
)

// jqlTime is the minute-precision format JQL date comparisons accept
const jqlTime = "2006/01/02 15:04"

type issueCollector struct {
	p *Plugin
}

var _ plugin.Collector = (*issueCollector)(nil)

func (c *issueCollector) Name() string { return TaskCollectIssues }

func (c *issueCollector) Dependencies(plugin.PrimaryKeys) map[string]plugin.PrimaryKeys {
	return nil
}

func (c *issueCollector) IsDataPrepared(ctx context.Context, pk plugin.PrimaryKeys) (bool, error) {
	scope, err := boardScope(pk)
	if err != nil {
		return false, err
	}
	return c.p.raw.Exists(ctx, EntityRawIssues, scope.Identity())
}

func (c *issueCollector) CleanData(ctx context.Context, pk *plugin.PrimaryKeys) (bool, error) {
	var identity *string
	if pk != nil {
		scope, err := boardScope(*pk)
		if err != nil {
			return false, err
		}
		identity = util.Ptr(scope.Identity())
	}
	n, err := c.p.raw.DeleteScope(ctx, EntityRawIssues, identity)
	return n > 0, err
}

// CollectData pulls the board's issues updated since the newest one stored,
// oldest first, and upserts them keyed by board and issue id.
func (c *issueCollector) CollectData(ctx context.Context, pk plugin.PrimaryKeys) error {
	if c.p.clientErr != nil {
		return c.p.clientErr
	}
	log := logger.LoggerFromContext(ctx, c.p.logger)
	if c.p.client.Skipped(TaskCollectIssues) {
		log.Infow("Collector skipped by configuration", logger.FieldTask, TaskCollectIssues)
		return nil
	}

	scope, err := boardScope(pk)
	if err != nil {
		return err
	}
	boardID := scope.Text("boardId")

	since, err := c.p.raw.Latest(ctx, EntityRawIssues, scope.Identity())
	if err != nil {
		return err
	}

	uri := fmt.Sprintf("agile/1.0/board/%s/issue?jql=%s&expand=changelog",
		url.PathEscape(boardID), url.QueryEscape(issueJQL(since)))

	coll := source.Collection{
		Name: EntityRawIssues,
		Extract: func(item json.RawMessage) (string, time.Time, error) {
			issue, err := decodeIssue(item)
			if err != nil {
				return "", time.Time{}, err
			}
			updated, err := issue.updated()
			return rawKey(boardID, issue.ID), updated, err
		},
	}

	_, err = source.Collect(ctx, c.p.client, c.p.raw, coll, scope, uri, log,
		fetch.WithItemsKey("issues"),
		fetch.WithOffsetPaging("startAt", "maxResults"),
	)
	return err
}

func issueJQL(since time.Time) string {
	if since.IsZero() {
		return "ORDER BY updated ASC"
	}
	return fmt.Sprintf("updated >= '%s' ORDER BY updated ASC", since.Format(jqlTime))
}

func rawKey(boardID, issueID string) string {
	return boardID + ":" + issueID
}
