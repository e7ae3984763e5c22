package jira

import (
	"encoding/json"
	"time"

	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/plugins/internal/source"
)

// apiIssue is the subset of an agile board issue (with expand=changelog) lake reads
type apiIssue struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Fields struct {
		Summary   string `json:"summary"`
		IssueType struct {
			Name string `json:"name"`
		} `json:"issuetype"`
		Status struct {
			Name string `json:"name"`
		} `json:"status"`
		Assignee *struct {
			DisplayName string `json:"displayName"`
		} `json:"assignee"`
		Created        string  `json:"created"`
		Updated        string  `json:"updated"`
		ResolutionDate *string `json:"resolutiondate"`
		Sprint         *struct {
			ID int64 `json:"id"`
		} `json:"sprint"`
		ClosedSprints []struct {
			ID int64 `json:"id"`
		} `json:"closedSprints"`
	} `json:"fields"`
	Changelog struct {
		Histories []struct {
			Created string `json:"created"`
			Items   []struct {
				Field      string `json:"field"`
				FromString string `json:"fromString"`
				ToString   string `json:"toString"`
			} `json:"items"`
		} `json:"histories"`
	} `json:"changelog"`
}

func decodeIssue(data json.RawMessage) (*apiIssue, error) {
	var issue apiIssue
	if err := json.Unmarshal(data, &issue); err != nil {
		return nil, errors.Wrap(err, "decode jira issue")
	}
	if issue.ID == "" {
		return nil, errors.New("jira issue without id")
	}
	return &issue, nil
}

// storyPoints reads a numeric custom field; absent or non-numeric values yield nil
func storyPoints(data json.RawMessage, field string) *float64 {
	if field == "" {
		return nil
	}
	var raw struct {
		Fields map[string]json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	var v float64
	if err := json.Unmarshal(raw.Fields[field], &v); err != nil {
		return nil
	}
	return &v
}

func (i *apiIssue) updated() (time.Time, error) {
	t, err := source.ParseTime(i.Fields.Updated)
	return t, errors.Wrapf(err, "issue %s updated", i.Key)
}

func (i *apiIssue) sprintIDs() []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	add := func(id int64) {
		if id != 0 && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if i.Fields.Sprint != nil {
		add(i.Fields.Sprint.ID)
	}
	for _, s := range i.Fields.ClosedSprints {
		add(s.ID)
	}
	return ids
}
