// Package gitlab collects commits and merge requests from GitLab projects,
// enriches merge requests with normalized states and lead times, and links
// them to the Jira issues their titles and descriptions mention.
package gitlab

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/lake/am"
	"github.com/teranos/lake/enrich"
	"github.com/teranos/lake/fetch"
	"github.com/teranos/lake/logger"
	"github.com/teranos/lake/plugin"
	"github.com/teranos/lake/plugins/internal/source"
	"github.com/teranos/lake/rawstore"
)

const Name = "gitlab"

// Entities
const (
	EntityRawCommits       = "gitlab_raw_commits"
	EntityRawMergeRequests = "gitlab_raw_merge_requests"
	EntityMergeRequests    = "gitlab_merge_requests"
	EntityIssueLinks       = "gitlab_mr_issue_links"
)

// Tasks
const (
	TaskCollectCommits       = "collectCommits"
	TaskCollectMergeRequests = "collectMergeRequests"
	TaskEnrichMergeRequests  = "enrichMergeRequests"
	TaskLinkIssues           = "linkIssues"
)

// Jira task and entity issue links are resolved against
const (
	jiraEnrichIssues = "jira/enrichIssues"
	jiraIssues       = "jira_issues"
)

// DefaultMappings normalizes merge request states
func DefaultMappings() enrich.MappingTable {
	return enrich.MappingTable{
		Statuses: map[string]string{
			"opened": enrich.StatusInProgress,
			"locked": enrich.StatusInProgress,
			"merged": enrich.StatusResolved,
			"closed": enrich.StatusResolved,
		},
	}
}

// Deps are the shared services the plugin needs
type Deps struct {
	DB     *sql.DB
	Source am.SourceConfig
	// Mapping normalizes states; nil means DefaultMappings
	Mapping      *enrich.Mapping
	Unit         enrich.Unit
	FetchOptions []fetch.Option
	Logger       *zap.SugaredLogger
}

// Plugin is the GitLab source plugin
type Plugin struct {
	raw       *rawstore.Store
	db        *sql.DB
	engine    *enrich.Engine
	client    *fetch.Client
	clientErr error
	mapping   *enrich.Mapping
	unit      enrich.Unit
	logger    *zap.SugaredLogger
}

func New(deps Deps) *Plugin {
	log := logger.OrComponent(deps.Logger, Name)
	raw := rawstore.NewStore(deps.DB)

	p := &Plugin{
		raw:     raw,
		db:      deps.DB,
		engine:  enrich.NewEngine(raw, log),
		mapping: deps.Mapping,
		unit:    deps.Unit,
		logger:  log,
	}
	if p.mapping == nil {
		p.mapping = DefaultMappings().Mapping()
	}
	if p.unit == "" {
		p.unit = enrich.DefaultUnit
	}

	opts := append([]fetch.Option{fetch.WithLogger(log)}, deps.FetchOptions...)
	p.client, p.clientErr = source.Client(Name, deps.Source, opts...)
	return p
}

// Plugin describes the plugin for registration
func (p *Plugin) Plugin() plugin.Plugin {
	return plugin.Plugin{
		Name:        Name,
		Version:     "1.0.0",
		CoreVersion: ">= 0.1.0-0",
		Description: "GitLab projects: commits, merge requests and their Jira issue links",
		Entities: []plugin.EntitySpec{
			{Name: EntityRawCommits, Producer: TaskCollectCommits},
			{Name: EntityRawMergeRequests, Producer: TaskCollectMergeRequests},
			{Name: EntityMergeRequests, Producer: TaskEnrichMergeRequests, Imports: []string{EntityRawMergeRequests}},
			{Name: EntityIssueLinks, Producer: TaskLinkIssues, Imports: []string{EntityMergeRequests, jiraIssues}},
		},
		Tasks: []plugin.Task{
			&projectCollector{p: p, coll: commits},
			&projectCollector{p: p, coll: mergeRequests},
			&mergeRequestEnricher{p: p},
			&issueLinker{p: p},
		},
		Preflight: func() error { return p.clientErr },
	}
}

func projectScope(pk plugin.PrimaryKeys) (plugin.PrimaryKeys, error) {
	if err := pk.Require("projectId"); err != nil {
		return plugin.PrimaryKeys{}, err
	}
	return pk.Select("projectId"), nil
}
