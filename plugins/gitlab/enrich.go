package gitlab

import (
	"context"

	"github.com/teranos/lake/enrich"
	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/internal/util"
	"github.com/teranos/lake/logger"
	"github.com/teranos/lake/plugin"
	"github.com/teranos/lake/plugins/internal/source"
	"github.com/teranos/lake/rawstore"
)

type mergeRequestEnricher struct {
	p *Plugin
}

var _ plugin.Enricher = (*mergeRequestEnricher)(nil)

func (e *mergeRequestEnricher) Name() string { return TaskEnrichMergeRequests }

func (e *mergeRequestEnricher) Dependencies(pk plugin.PrimaryKeys) map[string]plugin.PrimaryKeys {
	return map[string]plugin.PrimaryKeys{TaskCollectMergeRequests: pk.Select("projectId")}
}

func (e *mergeRequestEnricher) IsDataPrepared(ctx context.Context, pk plugin.PrimaryKeys) (bool, error) {
	scope, err := projectScope(pk)
	if err != nil {
		return false, err
	}
	pending, err := e.p.engine.Pending(ctx, EntityRawMergeRequests, scope.Identity())
	return pending == 0, err
}

func (e *mergeRequestEnricher) CleanData(ctx context.Context, pk *plugin.PrimaryKeys) (bool, error) {
	var project, identity *string
	if pk != nil {
		scope, err := projectScope(*pk)
		if err != nil {
			return false, err
		}
		project, identity = util.Ptr(scope.Text("projectId")), util.Ptr(scope.Identity())
	}

	removed, err := deleteMergeRequests(ctx, e.p.db, project)
	if err != nil {
		return false, err
	}
	reset, err := e.p.raw.ResetWatermark(ctx, EntityRawMergeRequests, identity)
	if err != nil {
		return false, err
	}
	return removed+reset > 0, nil
}

func (e *mergeRequestEnricher) CalData(ctx context.Context, pk plugin.PrimaryKeys) error {
	scope, err := projectScope(pk)
	if err != nil {
		return err
	}
	project := scope.Text("projectId")

	res, err := e.p.engine.Run(ctx, enrich.Spec{
		Collection: EntityRawMergeRequests,
		Scope:      scope.Identity(),
		Force:      plugin.IsForced(ctx),
		Transform: func(_ context.Context, rec rawstore.Record) (enrich.Output, error) {
			return e.transform(rec, project)
		},
	})
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		logger.LoggerFromContext(ctx, e.p.logger).Warnw("Some merge requests could not be enriched",
			logger.FieldFailed, res.Failed,
			logger.FieldError, res.Err().Error(),
		)
	}
	return nil
}

// transform normalizes one raw merge request. Lead time runs from creation to
// merge; unmerged requests have none.
func (e *mergeRequestEnricher) transform(rec rawstore.Record, project string) (enrich.Output, error) {
	raw, err := decodeMergeRequest(rec.Data)
	if err != nil {
		return nil, err
	}
	created, err := source.ParseTime(raw.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "created_at")
	}
	updated, err := raw.updated()
	if err != nil {
		return nil, err
	}
	merged, err := source.ParseOptionalTime(raw.MergedAt)
	if err != nil {
		return nil, errors.Wrap(err, "merged_at")
	}

	mr := MergeRequest{
		ID:            raw.key(),
		ProjectID:     project,
		IID:           raw.IID,
		Title:         raw.Title,
		Description:   raw.Description,
		State:         e.p.mapping.MapStatus(raw.State),
		OriginalState: raw.State,
		SourceBranch:  raw.SourceBranch,
		TargetBranch:  raw.TargetBranch,
		Created:       created,
		Updated:       updated,
		Merged:        merged,
		LeadTimeUnit:  string(e.p.unit),
	}
	if raw.Author != nil {
		mr.Author = raw.Author.Username
	}
	if merged != nil && !merged.Before(created) {
		mr.LeadTime = e.p.unit.Convert(merged.Sub(created))
	}
	return mergeRequestOutput{mr: mr}, nil
}

// QueryData returns the project's enriched merge requests as []MergeRequest
func (e *mergeRequestEnricher) QueryData(ctx context.Context, pk plugin.PrimaryKeys) (any, error) {
	scope, err := projectScope(pk)
	if err != nil {
		return nil, err
	}
	return ListProjectMergeRequests(ctx, e.p.db, scope.Text("projectId"))
}

func (e *mergeRequestEnricher) SupportsLazy() bool { return true }

// SelfCheck verifies every enriched raw merge request has a row and merged
// requests carry a non-negative lead time.
func (e *mergeRequestEnricher) SelfCheck(ctx context.Context, pk plugin.PrimaryKeys) error {
	scope, err := projectScope(pk)
	if err != nil {
		return err
	}
	identity := scope.Identity()
	ref := plugin.TaskRef{Plugin: Name, Task: TaskEnrichMergeRequests}

	total, err := e.p.raw.Count(ctx, rawstore.Query{Collection: EntityRawMergeRequests, Scope: identity})
	if err != nil {
		return err
	}
	pending, err := e.p.engine.Pending(ctx, EntityRawMergeRequests, identity)
	if err != nil {
		return err
	}

	var rows, negative int
	err = e.p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN lead_time < 0 THEN 1 ELSE 0 END), 0)
		FROM gitlab_merge_requests WHERE project_id = ?`, scope.Text("projectId")).Scan(&rows, &negative)
	if err != nil {
		return errors.Wrap(err, "self check query")
	}
	if enriched := total - pending; rows < enriched {
		return plugin.NewSelfCheckError(ref, scope, "%d raw merge requests enriched but only %d stored", enriched, rows)
	}
	if negative > 0 {
		return plugin.NewSelfCheckError(ref, scope, "%d merge requests have a negative lead time", negative)
	}
	return nil
}
