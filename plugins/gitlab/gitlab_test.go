package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/lake/am"
	"github.com/teranos/lake/dag"
	"github.com/teranos/lake/enrich"
	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/fetch"
	laketest "github.com/teranos/lake/internal/testing"
	"github.com/teranos/lake/pipeline"
	"github.com/teranos/lake/plugin"
	"github.com/teranos/lake/plugins/jira"
	"github.com/teranos/lake/rawstore"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

func mergeRequestJSON(id, iid int64, title, description, state string, created, updated time.Time, merged *time.Time) map[string]any {
	mr := map[string]any{
		"id": id, "iid": iid, "project_id": 42,
		"title": title, "description": description, "state": state,
		"source_branch": "feature", "target_branch": "main",
		"created_at": created.Format(time.RFC3339Nano),
		"updated_at": updated.Format(time.RFC3339Nano),
		"merged_at":  nil,
		"author":     map[string]any{"username": "ada"},
	}
	if merged != nil {
		mr["merged_at"] = merged.Format(time.RFC3339Nano)
	}
	return mr
}

// fakeGitLab serves project 42 with page/per_page paging and X-Next-Page
type fakeGitLab struct {
	mu      sync.Mutex
	mrs     []map[string]any
	commits []map[string]any
	queries []string
	calls   int
	srv     *httptest.Server
}

func newFakeGitLab(t *testing.T) *fakeGitLab {
	f := &fakeGitLab{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls++
		assert.Equal(t, "secret", r.Header.Get("Private-Token"))

		var items []map[string]any
		switch r.URL.Path {
		case "/api/v4/projects/42/merge_requests":
			items = f.mrs
		case "/api/v4/projects/42/repository/commits":
			items = f.commits
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.queries = append(f.queries, r.URL.RawQuery)

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
		start := min((page-1)*perPage, len(items))
		end := min(start+perPage, len(items))
		next := ""
		if end < len(items) {
			next = strconv.Itoa(page + 1)
		}
		w.Header().Set("X-Next-Page", next)
		out := items[start:end]
		if out == nil {
			out = []map[string]any{}
		}
		assert.NoError(t, json.NewEncoder(w).Encode(out))
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGitLab) setMergeRequests(mrs ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mrs = mrs
}

func (f *fakeGitLab) source() am.SourceConfig {
	return am.SourceConfig{
		Host: f.srv.URL, APIPath: "api/v4/", Token: "secret",
		AuthScheme: fetch.AuthPrivateToken, PageSize: 2, MaxRetry: 1,
	}
}

func (f *fakeGitLab) options() []fetch.Option {
	return []fetch.Option{
		fetch.WithHTTPClient(f.srv.Client()),
		fetch.WithSleeper(func(context.Context, time.Duration) error { return nil }),
	}
}

type fixture struct {
	plugin *Plugin
	tasks  map[string]plugin.Task
	gitlab *fakeGitLab
	raw    *rawstore.Store
	pk     plugin.PrimaryKeys
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := laketest.CreateTestDB(t)
	fg := newFakeGitLab(t)
	p := New(Deps{DB: db, Source: fg.source(), FetchOptions: fg.options(), Logger: zap.NewNop().Sugar()})

	tasks := make(map[string]plugin.Task)
	for _, task := range p.Plugin().Tasks {
		tasks[task.Name()] = task
	}
	return &fixture{
		plugin: p,
		tasks:  tasks,
		gitlab: fg,
		raw:    rawstore.NewStore(db),
		pk:     plugin.Keys("projectId", 42, "boardId", 8),
	}
}

func (f *fixture) collector(name string) plugin.Collector { return f.tasks[name].(plugin.Collector) }
func (f *fixture) enricher(name string) plugin.Enricher   { return f.tasks[name].(plugin.Enricher) }

func (f *fixture) seedIssue(t *testing.T, id, key string) {
	t.Helper()
	f.seedBoardIssue(t, "8", id, key)
}

func (f *fixture) seedBoardIssue(t *testing.T, board, id, key string) {
	t.Helper()
	_, err := f.plugin.db.Exec(
		`INSERT INTO jira_issues (id, issue_key, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, key, t0.UnixMilli(), t0.UnixMilli())
	require.NoError(t, err)
	_, err = f.plugin.db.Exec(`INSERT INTO jira_board_issues (board_id, issue_id) VALUES (?, ?)`, board, id)
	require.NoError(t, err)
}

func (f *fixture) enrichAll(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.collector(TaskCollectMergeRequests).CollectData(ctx, f.pk))
	require.NoError(t, f.enricher(TaskEnrichMergeRequests).CalData(ctx, f.pk))
	require.NoError(t, f.enricher(TaskEnrichMergeRequests).SelfCheck(ctx, f.pk))
}

func (f *fixture) links(t *testing.T) []IssueLink {
	t.Helper()
	data, err := f.enricher(TaskLinkIssues).QueryData(context.Background(), f.pk)
	require.NoError(t, err)
	return data.([]IssueLink)
}

func TestIssueKeys(t *testing.T) {
	assert.Equal(t, []string{"LAKE-1", "OPS2-30"},
		issueKeys("LAKE-1: fix login", "Relates to OPS2-30 and LAKE-1"))
	assert.Empty(t, issueKeys("lake-1 is lowercase", "X-1 is too short"))
}

func TestCollectAndEnrichMergeRequests(t *testing.T) {
	f := newFixture(t)
	merged := t0.Add(3*day + 5*time.Hour)
	f.gitlab.setMergeRequests(
		mergeRequestJSON(901, 1, "LAKE-1 login", "", "merged", t0, merged, &merged),
		mergeRequestJSON(902, 2, "Draft", "", "opened", t0, t0.Add(day), nil),
		mergeRequestJSON(903, 3, "Abandoned", "", "closed", t0, t0.Add(2*day), nil),
	)
	f.enrichAll(t)

	assert.Equal(t, 2, f.gitlab.calls)
	assert.Equal(t, "order_by=updated_at&page=1&per_page=2&sort=asc&state=all", f.gitlab.queries[0])

	data, err := f.enricher(TaskEnrichMergeRequests).QueryData(context.Background(), f.pk)
	require.NoError(t, err)
	mrs := data.([]MergeRequest)
	require.Len(t, mrs, 3)

	assert.Equal(t, "901", mrs[0].ID)
	assert.Equal(t, "42", mrs[0].ProjectID)
	assert.Equal(t, enrich.StatusResolved, mrs[0].State)
	assert.Equal(t, "merged", mrs[0].OriginalState)
	assert.Equal(t, int64(3), mrs[0].LeadTime)
	assert.Equal(t, "ada", mrs[0].Author)
	require.NotNil(t, mrs[0].Merged)
	assert.Equal(t, merged, *mrs[0].Merged)

	assert.Equal(t, enrich.StatusInProgress, mrs[1].State)
	assert.Zero(t, mrs[1].LeadTime)
	assert.Equal(t, enrich.StatusResolved, mrs[2].State)
	assert.Zero(t, mrs[2].LeadTime, "closed without merge has no lead time")

	prepared, err := f.enricher(TaskEnrichMergeRequests).IsDataPrepared(context.Background(), f.pk)
	require.NoError(t, err)
	assert.True(t, prepared)
}

func TestIncrementalMergeRequestCollection(t *testing.T) {
	f := newFixture(t)
	f.gitlab.setMergeRequests(mergeRequestJSON(901, 1, "First", "", "opened", t0, t0.Add(day), nil))
	f.enrichAll(t)

	merged := t0.Add(2 * day)
	f.gitlab.setMergeRequests(mergeRequestJSON(901, 1, "First", "", "merged", t0, merged, &merged))
	f.enrichAll(t)

	require.Len(t, f.gitlab.queries, 2)
	assert.Contains(t, f.gitlab.queries[1], "updated_after=2024-03-05T10%3A00%3A00Z")

	n, err := f.raw.Count(context.Background(), rawstore.Query{Collection: EntityRawMergeRequests})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mrs, err := ListProjectMergeRequests(context.Background(), f.plugin.db, "42")
	require.NoError(t, err)
	require.Len(t, mrs, 1)
	assert.Equal(t, int64(2), mrs[0].LeadTime)
}

func TestCollectCommits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gitlab.commits = []map[string]any{
		{"id": "a1", "title": "one", "author_name": "ada", "committed_date": "2024-03-04T10:00:00.000+01:00"},
		{"id": "b2", "title": "two", "author_name": "ada", "committed_date": "2024-03-05T10:00:00.000+01:00"},
	}
	c := f.collector(TaskCollectCommits)
	require.NoError(t, c.CollectData(ctx, f.pk))

	rec, err := f.raw.Get(ctx, EntityRawCommits, "42:b2")
	require.NoError(t, err)
	assert.Equal(t, `{"projectId":42}`, rec.Scope)
	assert.Equal(t, time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC), rec.Updated)

	require.NoError(t, c.CollectData(ctx, f.pk))
	assert.Contains(t, f.gitlab.queries[len(f.gitlab.queries)-1], "since=2024-03-05T09%3A00%3A00Z")

	prepared, err := c.IsDataPrepared(ctx, f.pk)
	require.NoError(t, err)
	assert.True(t, prepared)

	removed, err := c.CleanData(ctx, &f.pk)
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestLinkIssues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedIssue(t, "10001", "LAKE-1")
	f.seedIssue(t, "10002", "LAKE-2")
	f.gitlab.setMergeRequests(
		mergeRequestJSON(901, 1, "LAKE-1 login", "Also touches LAKE-2 and LAKE-99", "opened", t0, t0, nil),
		mergeRequestJSON(902, 2, "Chore", "", "opened", t0, t0, nil),
	)
	f.enrichAll(t)

	linker := f.enricher(TaskLinkIssues)
	require.NoError(t, linker.CalData(ctx, f.pk))
	require.NoError(t, linker.SelfCheck(ctx, f.pk))
	assert.Equal(t, []IssueLink{
		{MergeRequestID: "901", IssueID: "10001"},
		{MergeRequestID: "901", IssueID: "10002"},
	}, f.links(t))

	// a rerun with unchanged text leaves the rows in place
	changed, err := replaceLinks(ctx, f.plugin.db, "901", []string{"10002", "10001"})
	require.NoError(t, err)
	assert.False(t, changed)

	touched := t0.Add(time.Hour)
	f.gitlab.setMergeRequests(mergeRequestJSON(901, 1, "LAKE-2 only", "", "opened", t0, touched, nil))
	f.enrichAll(t)
	require.NoError(t, linker.CalData(ctx, f.pk))
	assert.Equal(t, []IssueLink{{MergeRequestID: "901", IssueID: "10002"}}, f.links(t))

	prepared, err := linker.IsDataPrepared(ctx, f.pk)
	require.NoError(t, err)
	assert.False(t, prepared, "links are always recomputed")

	removed, err := linker.CleanData(ctx, &f.pk)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, f.links(t))
}

func TestLinkIssuesIgnoresOtherBoards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedIssue(t, "10001", "LAKE-1")
	f.seedBoardIssue(t, "9", "20001", "OPS-1")
	f.gitlab.setMergeRequests(mergeRequestJSON(901, 1, "LAKE-1 and OPS-1", "", "opened", t0, t0, nil))
	f.enrichAll(t)

	require.NoError(t, f.enricher(TaskLinkIssues).CalData(ctx, f.pk))
	assert.Equal(t, []IssueLink{{MergeRequestID: "901", IssueID: "10001"}}, f.links(t))
}

func TestLinkIssuesContinuesPastFailedMergeRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedIssue(t, "10001", "LAKE-1")
	f.seedIssue(t, "10002", "LAKE-2")
	f.gitlab.setMergeRequests(
		mergeRequestJSON(901, 1, "LAKE-1", "", "opened", t0, t0, nil),
		mergeRequestJSON(902, 2, "LAKE-2", "", "opened", t0, t0, nil),
	)
	f.enrichAll(t)

	_, err := f.plugin.db.Exec(`
		CREATE TRIGGER reject_901 BEFORE INSERT ON gitlab_mr_issue_links
		WHEN NEW.merge_request_id = '901'
		BEGIN SELECT RAISE(ABORT, 'rejected'); END`)
	require.NoError(t, err)

	require.NoError(t, f.enricher(TaskLinkIssues).CalData(ctx, f.pk))
	assert.Equal(t, []IssueLink{{MergeRequestID: "902", IssueID: "10002"}}, f.links(t))
}

func TestLinkIssuesRequiresBoard(t *testing.T) {
	f := newFixture(t)
	err := f.enricher(TaskLinkIssues).CalData(context.Background(), plugin.Keys("projectId", 42))
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestLinkSelfCheckDetectsDanglingLinks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedIssue(t, "10001", "LAKE-1")
	f.gitlab.setMergeRequests(mergeRequestJSON(901, 1, "LAKE-1", "", "opened", t0, t0, nil))
	f.enrichAll(t)

	linker := f.enricher(TaskLinkIssues)
	require.NoError(t, linker.CalData(ctx, f.pk))

	_, err := f.plugin.db.Exec(`DELETE FROM jira_issues`)
	require.NoError(t, err)

	err = linker.SelfCheck(ctx, f.pk)
	var checkErr *plugin.SelfCheckError
	require.True(t, errors.As(err, &checkErr))
	assert.Equal(t, `{"projectId":42}`, checkErr.Scope)
}

func TestMergeRequestCleanData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedIssue(t, "10001", "LAKE-1")
	f.gitlab.setMergeRequests(mergeRequestJSON(901, 1, "LAKE-1", "", "opened", t0, t0, nil))
	f.enrichAll(t)
	require.NoError(t, f.enricher(TaskLinkIssues).CalData(ctx, f.pk))

	enricher := f.enricher(TaskEnrichMergeRequests)
	removed, err := enricher.CleanData(ctx, nil)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, f.links(t))

	prepared, err := enricher.IsDataPrepared(ctx, f.pk)
	require.NoError(t, err)
	assert.False(t, prepared)
}

func TestUnconfiguredGitLab(t *testing.T) {
	p := New(Deps{DB: laketest.CreateTestDB(t)})
	err := p.Plugin().Preflight()
	assert.True(t, errors.Is(err, am.ErrInvalidConfig))
}

// fakeJira serves a single board with one issue
func fakeJira(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		created := t0.Format("2006-01-02T15:04:05.000-0700")
		fmt.Fprintf(w, `{"startAt":0,"maxResults":50,"total":1,"issues":[{
			"id":"10001","key":"LAKE-1",
			"fields":{"summary":"Login","issuetype":{"name":"Story"},"status":{"name":"Open"},
				"created":%q,"updated":%q},
			"changelog":{"histories":[]}}]}`, created, created)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLinkPlanAcrossPlugins(t *testing.T) {
	f := newFixture(t)
	merged := t0.Add(day)
	f.gitlab.setMergeRequests(mergeRequestJSON(901, 1, "LAKE-1 login", "", "merged", t0, merged, &merged))

	js := fakeJira(t)
	jp := jira.New(jira.Deps{
		DB:           f.plugin.db,
		Source:       am.SourceConfig{Host: js.URL, APIPath: "rest", Token: "t", MaxRetry: 1},
		FetchOptions: []fetch.Option{fetch.WithHTTPClient(js.Client())},
	})

	registry := plugin.NewRegistry("1.0.0", nil)
	require.NoError(t, registry.Register(jp.Plugin()))
	require.NoError(t, registry.Register(f.plugin.Plugin()))

	plan, err := dag.NewResolver(registry).ResolveTarget(Name+"/"+TaskLinkIssues, f.pk)
	require.NoError(t, err)
	link := plan.Index(plugin.TaskRef{Plugin: Name, Task: TaskLinkIssues})
	assert.Equal(t, plan.Len()-1, link)
	assert.Less(t, plan.Index(plugin.TaskRef{Plugin: jira.Name, Task: jira.TaskEnrichIssues}), link)
	assert.Less(t, plan.Index(plugin.TaskRef{Plugin: Name, Task: TaskEnrichMergeRequests}), link)

	rep, err := pipeline.NewExecutor(registry).Execute(context.Background(), plan, pipeline.Options{Workers: 2})
	require.NoError(t, err)
	require.NoError(t, rep.Err())

	assert.Equal(t, []IssueLink{{MergeRequestID: "901", IssueID: "10001"}}, f.links(t))
}
