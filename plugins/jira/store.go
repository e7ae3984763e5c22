package jira

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/lake/errors"
)

// Issue is an enriched jira_issues row
type Issue struct {
	ID             string
	Key            string
	Summary        string
	Type           string
	OriginalType   string
	Status         string
	OriginalStatus string
	Assignee       string
	StoryPoints    *float64
	Created        time.Time
	Updated        time.Time
	Resolved       *time.Time
	LeadTime       int64
	LeadTimeUnit   string
}

// issueOutput is the enriched form of one raw issue with its link rows
type issueOutput struct {
	issue     Issue
	boardID   string
	sprintIDs []string
}

const upsertIssueQuery = `
	INSERT INTO jira_issues (
		id, issue_key, summary, issue_type, original_type, status, original_status,
		assignee, story_points, created_at, updated_at, resolved_at, lead_time, lead_time_unit
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		issue_key = excluded.issue_key,
		summary = excluded.summary,
		issue_type = excluded.issue_type,
		original_type = excluded.original_type,
		status = excluded.status,
		original_status = excluded.original_status,
		assignee = excluded.assignee,
		story_points = excluded.story_points,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		resolved_at = excluded.resolved_at,
		lead_time = excluded.lead_time,
		lead_time_unit = excluded.lead_time_unit
`

// Write upserts the issue, links it to its board and replaces its sprint links
func (o issueOutput) Write(ctx context.Context, tx *sql.Tx) error {
	i := o.issue
	var resolved sql.NullInt64
	if i.Resolved != nil {
		resolved = sql.NullInt64{Int64: i.Resolved.UnixMilli(), Valid: true}
	}
	var points sql.NullFloat64
	if i.StoryPoints != nil {
		points = sql.NullFloat64{Float64: *i.StoryPoints, Valid: true}
	}

	_, err := tx.ExecContext(ctx, upsertIssueQuery,
		i.ID, i.Key, i.Summary, i.Type, i.OriginalType, i.Status, i.OriginalStatus,
		i.Assignee, points, i.Created.UnixMilli(), i.Updated.UnixMilli(), resolved,
		i.LeadTime, i.LeadTimeUnit,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert issue %s", i.Key)
	}

	// board links only grow; a forced CleanData of the board drops them
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO jira_board_issues (board_id, issue_id) VALUES (?, ?)`,
		o.boardID, i.ID); err != nil {
		return errors.Wrapf(err, "failed to link issue %s to board %s", i.Key, o.boardID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM jira_sprint_issues WHERE issue_id = ?`, i.ID); err != nil {
		return errors.Wrapf(err, "failed to clear sprint links of %s", i.Key)
	}
	for _, sprint := range o.sprintIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO jira_sprint_issues (sprint_id, issue_id) VALUES (?, ?)`,
			sprint, i.ID); err != nil {
			return errors.Wrapf(err, "failed to link issue %s to sprint %s", i.Key, sprint)
		}
	}
	return nil
}

const issueColumns = `i.id, i.issue_key, i.summary, i.issue_type, i.original_type, i.status,
	i.original_status, i.assignee, i.story_points, i.created_at, i.updated_at, i.resolved_at,
	i.lead_time, i.lead_time_unit`

// ListBoardIssues returns the enriched issues linked to board, ordered by key
func ListBoardIssues(ctx context.Context, db *sql.DB, boardID string) ([]Issue, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+issueColumns+`
		FROM jira_issues i
		JOIN jira_board_issues b ON b.issue_id = i.id
		WHERE b.board_id = ?
		ORDER BY i.issue_key`, boardID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list board issues")
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		var i Issue
		var points sql.NullFloat64
		var created, updated int64
		var resolved sql.NullInt64
		if err := rows.Scan(&i.ID, &i.Key, &i.Summary, &i.Type, &i.OriginalType, &i.Status,
			&i.OriginalStatus, &i.Assignee, &points, &created, &updated, &resolved,
			&i.LeadTime, &i.LeadTimeUnit); err != nil {
			return nil, errors.Wrap(err, "failed to scan issue")
		}
		if points.Valid {
			i.StoryPoints = &points.Float64
		}
		i.Created = time.UnixMilli(created).UTC()
		i.Updated = time.UnixMilli(updated).UTC()
		if resolved.Valid {
			t := time.UnixMilli(resolved.Int64).UTC()
			i.Resolved = &t
		}
		issues = append(issues, i)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating issues")
	}
	return issues, nil
}

// SprintIssueIDs returns the issue ids linked to sprint
func SprintIssueIDs(ctx context.Context, db *sql.DB, sprintID string) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT issue_id FROM jira_sprint_issues WHERE sprint_id = ? ORDER BY issue_id`, sprintID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sprint issues")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan sprint issue")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "error iterating sprint issues")
}

// deleteBoard removes the board's links, then every issue no board links to
// any more along with its sprint links. A nil board clears all jira tables.
func deleteBoard(ctx context.Context, db *sql.DB, boardID *string) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var stmts []string
	var args [][]any
	if boardID == nil {
		stmts = []string{
			`DELETE FROM jira_sprint_issues`,
			`DELETE FROM jira_board_issues`,
			`DELETE FROM jira_issues`,
		}
		args = [][]any{nil, nil, nil}
	} else {
		stmts = []string{
			`DELETE FROM jira_board_issues WHERE board_id = ?`,
			`DELETE FROM jira_sprint_issues WHERE issue_id NOT IN (SELECT issue_id FROM jira_board_issues)`,
			`DELETE FROM jira_issues WHERE id NOT IN (SELECT issue_id FROM jira_board_issues)`,
		}
		args = [][]any{{*boardID}, nil, nil}
	}

	var removed int64
	for i, stmt := range stmts {
		res, err := tx.ExecContext(ctx, stmt, args[i]...)
		if err != nil {
			return 0, errors.Wrap(err, "failed to clean jira issues")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, errors.Wrap(err, "failed to read affected rows")
		}
		removed += n
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit")
	}
	return removed, nil
}
