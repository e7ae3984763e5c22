package gitlab

import (
	"context"
	"database/sql"
	"slices"
	"strings"
	"time"

	"github.com/teranos/lake/errors"
)

// MergeRequest is an enriched gitlab_merge_requests row
type MergeRequest struct {
	ID            string
	ProjectID     string
	IID           int64
	Title         string
	Description   string
	State         string
	OriginalState string
	SourceBranch  string
	TargetBranch  string
	Author        string
	Created       time.Time
	Updated       time.Time
	Merged        *time.Time
	LeadTime      int64
	LeadTimeUnit  string
}

// IssueLink ties a merge request to a Jira issue id
type IssueLink struct {
	MergeRequestID string
	IssueID        string
}

type mergeRequestOutput struct {
	mr MergeRequest
}

const upsertMergeRequestQuery = `
	INSERT INTO gitlab_merge_requests (
		id, project_id, iid, title, description, state, original_state, source_branch,
		target_branch, author, created_at, updated_at, merged_at, lead_time, lead_time_unit
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		project_id = excluded.project_id,
		iid = excluded.iid,
		title = excluded.title,
		description = excluded.description,
		state = excluded.state,
		original_state = excluded.original_state,
		source_branch = excluded.source_branch,
		target_branch = excluded.target_branch,
		author = excluded.author,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		merged_at = excluded.merged_at,
		lead_time = excluded.lead_time,
		lead_time_unit = excluded.lead_time_unit
`

func (o mergeRequestOutput) Write(ctx context.Context, tx *sql.Tx) error {
	m := o.mr
	var merged sql.NullInt64
	if m.Merged != nil {
		merged = sql.NullInt64{Int64: m.Merged.UnixMilli(), Valid: true}
	}
	_, err := tx.ExecContext(ctx, upsertMergeRequestQuery,
		m.ID, m.ProjectID, m.IID, m.Title, m.Description, m.State, m.OriginalState,
		m.SourceBranch, m.TargetBranch, m.Author, m.Created.UnixMilli(), m.Updated.UnixMilli(),
		merged, m.LeadTime, m.LeadTimeUnit,
	)
	return errors.Wrapf(err, "failed to upsert merge request !%d", m.IID)
}

// ListProjectMergeRequests returns the project's enriched merge requests by iid
func ListProjectMergeRequests(ctx context.Context, db *sql.DB, projectID string) ([]MergeRequest, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, project_id, iid, title, description, state, original_state, source_branch,
			target_branch, author, created_at, updated_at, merged_at, lead_time, lead_time_unit
		FROM gitlab_merge_requests
		WHERE project_id = ?
		ORDER BY iid`, projectID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list merge requests")
	}
	defer rows.Close()

	var mrs []MergeRequest
	for rows.Next() {
		var m MergeRequest
		var created, updated int64
		var merged sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.IID, &m.Title, &m.Description, &m.State,
			&m.OriginalState, &m.SourceBranch, &m.TargetBranch, &m.Author, &created, &updated,
			&merged, &m.LeadTime, &m.LeadTimeUnit); err != nil {
			return nil, errors.Wrap(err, "failed to scan merge request")
		}
		m.Created = time.UnixMilli(created).UTC()
		m.Updated = time.UnixMilli(updated).UTC()
		if merged.Valid {
			t := time.UnixMilli(merged.Int64).UTC()
			m.Merged = &t
		}
		mrs = append(mrs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating merge requests")
	}
	return mrs, nil
}

// deleteMergeRequests removes the project's merge requests and their issue
// links, or every merge request when projectID is nil.
func deleteMergeRequests(ctx context.Context, db *sql.DB, projectID *string) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	links, err := deleteLinks(ctx, tx, projectID)
	if err != nil {
		return 0, err
	}

	var res sql.Result
	if projectID == nil {
		res, err = tx.ExecContext(ctx, `DELETE FROM gitlab_merge_requests`)
	} else {
		res, err = tx.ExecContext(ctx, `DELETE FROM gitlab_merge_requests WHERE project_id = ?`, *projectID)
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete merge requests")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read affected rows")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit")
	}
	return links + n, nil
}

// deleteLinks removes the issue links of the project's merge requests
func deleteLinks(ctx context.Context, tx *sql.Tx, projectID *string) (int64, error) {
	var res sql.Result
	var err error
	if projectID == nil {
		res, err = tx.ExecContext(ctx, `DELETE FROM gitlab_mr_issue_links`)
	} else {
		res, err = tx.ExecContext(ctx, `
			DELETE FROM gitlab_mr_issue_links
			WHERE merge_request_id IN (SELECT id FROM gitlab_merge_requests WHERE project_id = ?)`,
			*projectID)
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete issue links")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "failed to read affected rows")
}

// ProjectIssueLinks returns the issue links of the project's merge requests
func ProjectIssueLinks(ctx context.Context, db *sql.DB, projectID string) ([]IssueLink, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT l.merge_request_id, l.issue_id
		FROM gitlab_mr_issue_links l
		JOIN gitlab_merge_requests m ON m.id = l.merge_request_id
		WHERE m.project_id = ?
		ORDER BY m.iid, l.issue_id`, projectID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list issue links")
	}
	defer rows.Close()

	var links []IssueLink
	for rows.Next() {
		var l IssueLink
		if err := rows.Scan(&l.MergeRequestID, &l.IssueID); err != nil {
			return nil, errors.Wrap(err, "failed to scan issue link")
		}
		links = append(links, l)
	}
	return links, errors.Wrap(rows.Err(), "error iterating issue links")
}

// issueIDsByKey resolves Jira issue keys of boardID to ids. Unknown keys and
// issues of other boards are absent from the result.
func issueIDsByKey(ctx context.Context, db *sql.DB, boardID string, keys []string) (map[string]string, error) {
	ids := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return ids, nil
	}
	args := make([]any, 0, len(keys)+1)
	args = append(args, boardID)
	for _, k := range keys {
		args = append(args, k)
	}
	query := `
		SELECT i.issue_key, i.id
		FROM jira_issues i
		JOIN jira_board_issues b ON b.issue_id = i.id AND b.board_id = ?
		WHERE i.issue_key IN (?` + strings.Repeat(", ?", len(keys)-1) + `)`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve issue keys")
	}
	defer rows.Close()
	for rows.Next() {
		var key, id string
		if err := rows.Scan(&key, &id); err != nil {
			return nil, errors.Wrap(err, "failed to scan issue key")
		}
		ids[key] = id
	}
	return ids, errors.Wrap(rows.Err(), "error iterating issue keys")
}

// replaceLinks makes issueIDs the full link set of mrID. Returns whether the
// stored set changed; an unchanged set is left untouched.
func replaceLinks(ctx context.Context, db *sql.DB, mrID string, issueIDs []string) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT issue_id FROM gitlab_mr_issue_links WHERE merge_request_id = ? ORDER BY issue_id`, mrID)
	if err != nil {
		return false, errors.Wrap(err, "failed to read issue links")
	}
	var current []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return false, errors.Wrap(err, "failed to scan issue link")
		}
		current = append(current, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, errors.Wrap(err, "error iterating issue links")
	}

	want := slices.Clone(issueIDs)
	slices.Sort(want)
	want = slices.Compact(want)
	if slices.Equal(current, want) {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM gitlab_mr_issue_links WHERE merge_request_id = ?`, mrID); err != nil {
		return false, errors.Wrap(err, "failed to clear issue links")
	}
	for _, id := range want {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO gitlab_mr_issue_links (merge_request_id, issue_id) VALUES (?, ?)`, mrID, id); err != nil {
			return false, errors.Wrapf(err, "failed to link merge request %s to issue %s", mrID, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "failed to commit")
	}
	return true, nil
}
