package jira

import (
	"context"
	"strconv"

	"github.com/teranos/lake/enrich"
	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/internal/util"
	"github.com/teranos/lake/logger"
	"github.com/teranos/lake/plugin"
	"github.com/teranos/lake/plugins/internal/source"
	"github.com/teranos/lake/rawstore"
)

type issueEnricher struct {
	p *Plugin
}

var _ plugin.Enricher = (*issueEnricher)(nil)

func (e *issueEnricher) ref() plugin.TaskRef {
	return plugin.TaskRef{Plugin: Name, Task: TaskEnrichIssues}
}

func (e *issueEnricher) Name() string { return TaskEnrichIssues }

func (e *issueEnricher) Dependencies(pk plugin.PrimaryKeys) map[string]plugin.PrimaryKeys {
	return map[string]plugin.PrimaryKeys{TaskCollectIssues: pk.Select("boardId")}
}

// IsDataPrepared reports whether every raw issue of the board is enriched
func (e *issueEnricher) IsDataPrepared(ctx context.Context, pk plugin.PrimaryKeys) (bool, error) {
	scope, err := boardScope(pk)
	if err != nil {
		return false, err
	}
	pending, err := e.p.engine.Pending(ctx, EntityRawIssues, scope.Identity())
	return pending == 0, err
}

// CleanData removes the board's enriched issues and makes its raw issues pending again
func (e *issueEnricher) CleanData(ctx context.Context, pk *plugin.PrimaryKeys) (bool, error) {
	var boardID, identity *string
	if pk != nil {
		scope, err := boardScope(*pk)
		if err != nil {
			return false, err
		}
		boardID, identity = util.Ptr(scope.Text("boardId")), util.Ptr(scope.Identity())
	}

	removed, err := deleteBoard(ctx, e.p.db, boardID)
	if err != nil {
		return false, err
	}
	reset, err := e.p.raw.ResetWatermark(ctx, EntityRawIssues, identity)
	if err != nil {
		return false, err
	}
	return removed+reset > 0, nil
}

func (e *issueEnricher) CalData(ctx context.Context, pk plugin.PrimaryKeys) error {
	scope, err := boardScope(pk)
	if err != nil {
		return err
	}
	boardID := scope.Text("boardId")

	res, err := e.p.engine.Run(ctx, enrich.Spec{
		Collection: EntityRawIssues,
		Scope:      scope.Identity(),
		Force:      plugin.IsForced(ctx),
		Transform: func(ctx context.Context, rec rawstore.Record) (enrich.Output, error) {
			return e.transform(rec, boardID)
		},
	})
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		logger.LoggerFromContext(ctx, e.p.logger).Warnw("Some issues could not be enriched",
			logger.FieldFailed, res.Failed,
			logger.FieldError, res.Err().Error(),
		)
	}
	return nil
}

// transform normalizes one raw issue
func (e *issueEnricher) transform(rec rawstore.Record, boardID string) (enrich.Output, error) {
	raw, err := decodeIssue(rec.Data)
	if err != nil {
		return nil, err
	}
	created, err := source.ParseTime(raw.Fields.Created)
	if err != nil {
		return nil, errors.Wrap(err, "created")
	}
	updated, err := raw.updated()
	if err != nil {
		return nil, err
	}
	resolved, err := source.ParseOptionalTime(raw.Fields.ResolutionDate)
	if err != nil {
		return nil, errors.Wrap(err, "resolutiondate")
	}

	var history []enrich.StatusChange
	for _, h := range raw.Changelog.Histories {
		for _, item := range h.Items {
			if item.Field != "status" {
				continue
			}
			at, err := source.ParseTime(h.Created)
			if err != nil {
				return nil, errors.Wrap(err, "changelog")
			}
			history = append(history, enrich.StatusChange{At: at, From: item.FromString, To: item.ToString})
		}
	}

	status := raw.Fields.Status.Name
	lead := enrich.CalculateLeadTime(created, status, history, e.p.mapping.IsTerminal)

	issue := Issue{
		ID:             raw.ID,
		Key:            raw.Key,
		Summary:        raw.Fields.Summary,
		Type:           e.p.mapping.MapType(raw.Fields.IssueType.Name),
		OriginalType:   raw.Fields.IssueType.Name,
		Status:         e.p.mapping.MapStatus(status),
		OriginalStatus: status,
		StoryPoints:    storyPoints(rec.Data, e.p.spField),
		Created:        created,
		Updated:        updated,
		Resolved:       resolved,
		LeadTime:       e.p.unit.Convert(lead.Duration),
		LeadTimeUnit:   string(e.p.unit),
	}
	if raw.Fields.Assignee != nil {
		issue.Assignee = raw.Fields.Assignee.DisplayName
	}

	var sprints []string
	for _, id := range raw.sprintIDs() {
		sprints = append(sprints, strconv.FormatInt(id, 10))
	}
	return issueOutput{issue: issue, boardID: boardID, sprintIDs: sprints}, nil
}

// QueryData returns the board's enriched issues as []Issue
func (e *issueEnricher) QueryData(ctx context.Context, pk plugin.PrimaryKeys) (any, error) {
	scope, err := boardScope(pk)
	if err != nil {
		return nil, err
	}
	return ListBoardIssues(ctx, e.p.db, scope.Text("boardId"))
}

func (e *issueEnricher) SupportsLazy() bool { return true }

// SelfCheck verifies every enriched raw issue of the board has a board link
// and no linked issue carries a negative lead time.
func (e *issueEnricher) SelfCheck(ctx context.Context, pk plugin.PrimaryKeys) error {
	scope, err := boardScope(pk)
	if err != nil {
		return err
	}
	identity := scope.Identity()

	total, err := e.p.raw.Count(ctx, rawstore.Query{Collection: EntityRawIssues, Scope: identity})
	if err != nil {
		return err
	}
	pending, err := e.p.engine.Pending(ctx, EntityRawIssues, identity)
	if err != nil {
		return err
	}

	var linked, negative int
	err = e.p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN i.lead_time < 0 THEN 1 ELSE 0 END), 0)
		FROM jira_board_issues b
		JOIN jira_issues i ON i.id = b.issue_id
		WHERE b.board_id = ?`, scope.Text("boardId")).Scan(&linked, &negative)
	if err != nil {
		return errors.Wrap(err, "self check query")
	}

	if enriched := total - pending; linked < enriched {
		return plugin.NewSelfCheckError(e.ref(), scope, "%d raw issues enriched but only %d linked to the board", enriched, linked)
	}
	if negative > 0 {
		return plugin.NewSelfCheckError(e.ref(), scope, "%d issues have a negative lead time", negative)
	}
	return nil
}
