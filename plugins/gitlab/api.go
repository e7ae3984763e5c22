package gitlab

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/plugins/internal/source"
)

type apiCommit struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	AuthorName    string `json:"author_name"`
	CommittedDate string `json:"committed_date"`
}

type apiMergeRequest struct {
	ID           int64   `json:"id"`
	IID          int64   `json:"iid"`
	ProjectID    int64   `json:"project_id"`
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	State        string  `json:"state"`
	SourceBranch string  `json:"source_branch"`
	TargetBranch string  `json:"target_branch"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	MergedAt     *string `json:"merged_at"`
	Author       *struct {
		Username string `json:"username"`
	} `json:"author"`
}

func decodeCommit(data json.RawMessage) (*apiCommit, error) {
	var c apiCommit
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "decode gitlab commit")
	}
	if c.ID == "" {
		return nil, errors.New("gitlab commit without id")
	}
	return &c, nil
}

func decodeMergeRequest(data json.RawMessage) (*apiMergeRequest, error) {
	var mr apiMergeRequest
	if err := json.Unmarshal(data, &mr); err != nil {
		return nil, errors.Wrap(err, "decode gitlab merge request")
	}
	if mr.ID == 0 {
		return nil, errors.New("gitlab merge request without id")
	}
	return &mr, nil
}

func (mr *apiMergeRequest) key() string {
	return strconv.FormatInt(mr.ID, 10)
}

func (mr *apiMergeRequest) updated() (time.Time, error) {
	t, err := source.ParseTime(mr.UpdatedAt)
	return t, errors.Wrapf(err, "merge request !%d updated_at", mr.IID)
}
