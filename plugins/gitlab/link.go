package gitlab

import (
	"context"
	"regexp"

	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/internal/util"
	"github.com/teranos/lake/logger"
	"github.com/teranos/lake/plugin"
)

// issueKeyPattern matches Jira issue keys such as LAKE-12
var issueKeyPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9]+-\d+\b`)

// issueKeys returns the distinct issue keys mentioned in texts, in first-seen order
func issueKeys(texts ...string) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, text := range texts {
		for _, key := range issueKeyPattern.FindAllString(text, -1) {
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}
	return keys
}

// issueLinker links merge requests to the Jira issues they mention. It reads
// only enriched tables of both plugins and never touches the network.
type issueLinker struct {
	p *Plugin
}

var _ plugin.Enricher = (*issueLinker)(nil)

func (l *issueLinker) ref() plugin.TaskRef {
	return plugin.TaskRef{Plugin: Name, Task: TaskLinkIssues}
}

func (l *issueLinker) Name() string { return TaskLinkIssues }

func (l *issueLinker) Dependencies(pk plugin.PrimaryKeys) map[string]plugin.PrimaryKeys {
	return map[string]plugin.PrimaryKeys{
		TaskEnrichMergeRequests: pk.Select("projectId"),
		jiraEnrichIssues:        pk.Select("boardId"),
	}
}

// IsDataPrepared is always false: links depend on the issues of another
// plugin, whose changes leave no watermark here.
func (l *issueLinker) IsDataPrepared(context.Context, plugin.PrimaryKeys) (bool, error) {
	return false, nil
}

func (l *issueLinker) CleanData(ctx context.Context, pk *plugin.PrimaryKeys) (bool, error) {
	var project *string
	if pk != nil {
		scope, err := projectScope(*pk)
		if err != nil {
			return false, err
		}
		project = util.Ptr(scope.Text("projectId"))
	}

	tx, err := l.p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()
	n, err := deleteLinks(ctx, tx, project)
	if err != nil {
		return false, err
	}
	return n > 0, errors.Wrap(tx.Commit(), "failed to commit")
}

// CalData links the project's merge requests to the issues of the board in
// scope. Keys naming issues outside the board are ignored. A merge request
// whose links cannot be written is logged and skipped.
func (l *issueLinker) CalData(ctx context.Context, pk plugin.PrimaryKeys) error {
	if err := pk.Require("projectId", "boardId"); err != nil {
		return err
	}
	scope := pk.Select("projectId")
	board := pk.Text("boardId")
	log := logger.LoggerFromContext(ctx, l.p.logger)

	mrs, err := ListProjectMergeRequests(ctx, l.p.db, scope.Text("projectId"))
	if err != nil {
		return err
	}

	var changed, linked, failed int
	for _, mr := range mrs {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "linking cancelled")
		}
		n, updated, err := l.link(ctx, board, mr)
		if err != nil {
			failed++
			log.Warnw("Failed to link merge request",
				logger.FieldKey, mr.ID,
				"iid", mr.IID,
				logger.FieldError, err.Error(),
			)
			continue
		}
		if updated {
			changed++
		}
		linked += n
	}

	log.Infow("Linked merge requests to issues",
		logger.FieldScope, scope.Identity(),
		"board", board,
		logger.FieldCount, linked,
		"changed", changed,
		logger.FieldFailed, failed,
	)
	return nil
}

// link replaces the links of one merge request, returning how many issues it
// now links and whether the stored set changed
func (l *issueLinker) link(ctx context.Context, board string, mr MergeRequest) (int, bool, error) {
	keys := issueKeys(mr.Title, mr.Description)
	ids, err := issueIDsByKey(ctx, l.p.db, board, keys)
	if err != nil {
		return 0, false, err
	}
	issueIDs := make([]string, 0, len(ids))
	for _, key := range keys {
		if id, ok := ids[key]; ok {
			issueIDs = append(issueIDs, id)
		}
	}
	updated, err := replaceLinks(ctx, l.p.db, mr.ID, issueIDs)
	if err != nil {
		return 0, false, errors.Wrapf(err, "merge request !%d", mr.IID)
	}
	return len(issueIDs), updated, nil
}

// QueryData returns the project's issue links as []IssueLink
func (l *issueLinker) QueryData(ctx context.Context, pk plugin.PrimaryKeys) (any, error) {
	scope, err := projectScope(pk)
	if err != nil {
		return nil, err
	}
	return ProjectIssueLinks(ctx, l.p.db, scope.Text("projectId"))
}

func (l *issueLinker) SupportsLazy() bool { return false }

// SelfCheck verifies every link of the project refers to an existing issue
func (l *issueLinker) SelfCheck(ctx context.Context, pk plugin.PrimaryKeys) error {
	scope, err := projectScope(pk)
	if err != nil {
		return err
	}
	var dangling int
	err = l.p.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM gitlab_mr_issue_links l
		JOIN gitlab_merge_requests m ON m.id = l.merge_request_id
		LEFT JOIN jira_issues i ON i.id = l.issue_id
		WHERE m.project_id = ? AND i.id IS NULL`, scope.Text("projectId")).Scan(&dangling)
	if err != nil {
		return errors.Wrap(err, "self check query")
	}
	if dangling > 0 {
		return plugin.NewSelfCheckError(l.ref(), scope, "%d links refer to missing issues", dangling)
	}
	return nil
}
