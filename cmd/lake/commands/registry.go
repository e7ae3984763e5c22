package commands

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/lake/am"
	"github.com/teranos/lake/enrich"
	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/plugin"
	"github.com/teranos/lake/plugins/gitlab"
	"github.com/teranos/lake/plugins/jira"
	"github.com/teranos/lake/version"
)

// buildRegistry registers the built-in plugins. Unconfigured sources still
// register; their preflight check fails plans that use them.
func buildRegistry(cfg *am.Config, database *sql.DB, log *zap.SugaredLogger) (*plugin.Registry, error) {
	unit, err := enrich.ParseUnit(cfg.Enrich.LeadTimeUnit)
	if err != nil {
		return nil, err
	}
	jiraMapping, err := enrich.FromConfig(cfg.Enrich, jira.DefaultMappings())
	if err != nil {
		return nil, err
	}
	gitlabMapping, err := enrich.FromConfig(cfg.Enrich, gitlab.DefaultMappings())
	if err != nil {
		return nil, err
	}

	jiraSource, _ := cfg.Source(jira.Name)
	gitlabSource, _ := cfg.Source(gitlab.Name)

	registry := plugin.NewRegistry(version.Core(), log.Named("plugin"))
	plugins := []plugin.Plugin{
		jira.New(jira.Deps{
			DB:      database,
			Source:  jiraSource,
			Mapping: jiraMapping,
			Unit:    unit,
			Logger:  log.Named(jira.Name),
		}).Plugin(),
		gitlab.New(gitlab.Deps{
			DB:      database,
			Source:  gitlabSource,
			Mapping: gitlabMapping,
			Unit:    unit,
			Logger:  log.Named(gitlab.Name),
		}).Plugin(),
	}
	for _, p := range plugins {
		if err := registry.Register(p); err != nil {
			return nil, errors.Wrapf(err, "register %s", p.Name)
		}
	}
	return registry, nil
}

// app is what the pipeline commands share
type app struct {
	cfg      *am.Config
	db       *sql.DB
	registry *plugin.Registry
}

func openApp(log *zap.SugaredLogger) (*app, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return nil, err
	}
	registry, err := buildRegistry(cfg, database, log)
	if err != nil {
		database.Close()
		return nil, err
	}
	return &app{cfg: cfg, db: database, registry: registry}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
