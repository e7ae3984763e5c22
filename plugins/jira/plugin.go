// Package jira collects agile board issues from Jira and enriches them into
// normalized issues with lead times, board links and sprint links.
package jira

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

// Name is the plugin name used in "jira/<task>" references
const Name = "jira"

// Entities
const (
	EntityRawIssues = "jira_raw_issues"
	EntityIssues    = "jira_issues"
)

// Tasks
const (
	TaskCollectIssues = "collectIssues"
	TaskEnrichIssues  = "enrichIssues"
)

// DefaultStoryPointField is the custom field Jira Cloud uses for story points
const DefaultStoryPointField = "customfield_10016"

// DefaultMappings normalizes common Jira types and statuses
func DefaultMappings() enrich.MappingTable {
	return enrich.MappingTable{
		Types: map[string]string{
			"story":       enrich.TypeRequirement,
			"task":        enrich.TypeRequirement,
			"improvement": enrich.TypeRequirement,
			"bug":         enrich.TypeBug,
			"incident":    enrich.TypeIncident,
		},
		Statuses: map[string]string{
			"to do":       enrich.StatusTodo,
			"open":        enrich.StatusTodo,
			"backlog":     enrich.StatusTodo,
			"in progress": enrich.StatusInProgress,
			"in review":   enrich.StatusInProgress,
			"done":        enrich.StatusResolved,
			"closed":      enrich.StatusResolved,
			"resolved":    enrich.StatusResolved,
		},
	}
}

// Deps are the shared services the plugin needs
type Deps struct {
	DB     *sql.DB
	Source am.SourceConfig
	// Mapping normalizes types and statuses; nil means DefaultMappings
	Mapping *enrich.Mapping
	Unit    enrich.Unit
	// StoryPointField names the custom field holding story points
	StoryPointField string
	FetchOptions    []fetch.Option
	Logger          *zap.SugaredLogger
}

// Plugin is the Jira source plugin
type Plugin struct {
	raw       *rawstore.Store
	db        *sql.DB
	engine    *enrich.Engine
	client    *fetch.Client
	clientErr error // reported by the preflight check
	mapping   *enrich.Mapping
	unit      enrich.Unit
	spField   string
	logger    *zap.SugaredLogger
}

// New creates the plugin. An incomplete source configuration does not fail
// here; it surfaces from the preflight check of any plan using the plugin.
func New(deps Deps) *Plugin {
	log := logger.OrComponent(deps.Logger, Name)
	raw := rawstore.NewStore(deps.DB)

	p := &Plugin{
		raw:     raw,
		db:      deps.DB,
		engine:  enrich.NewEngine(raw, log),
		mapping: deps.Mapping,
		unit:    deps.Unit,
		spField: deps.StoryPointField,
		logger:  log,
	}
	if p.mapping == nil {
		p.mapping = DefaultMappings().Mapping()
	}
	if p.unit == "" {
		p.unit = enrich.DefaultUnit
	}
	if p.spField == "" {
		p.spField = DefaultStoryPointField
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
		Description: "Jira agile boards: issues, changelogs and sprints",
		Entities: []plugin.EntitySpec{
			{Name: EntityRawIssues, Producer: TaskCollectIssues},
			{Name: EntityIssues, Producer: TaskEnrichIssues, Imports: []string{EntityRawIssues}},
		},
		Tasks: []plugin.Task{
			&issueCollector{p: p},
			&issueEnricher{p: p},
		},
		Preflight: func() error { return p.clientErr },
	}
}

// boardScope narrows pk to the keys jira tasks are scoped by
func boardScope(pk plugin.PrimaryKeys) (plugin.PrimaryKeys, error) {
	if err := pk.Require("boardId"); err != nil {
		return plugin.PrimaryKeys{}, err
	}
	return pk.Select("boardId"), nil
}
