// Package plugintest provides in-memory Collector and Enricher fakes for
// resolver and executor tests.
package plugintest

import (
	"context"
	"sync"

	"github.com/teranos/lake/plugin"
)

// Calls records every invocation made on a fake, in order
type Calls struct {
	mu    sync.Mutex
	order []string
}

func (c *Calls) add(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, call)
}

// All returns recorded calls as "task.method" strings
func (c *Calls) All() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// Base implements the shared Task methods
type Base struct {
	TaskName string
	// Deps is returned by Dependencies; DepsFunc takes precedence when set
	Deps     map[string]plugin.PrimaryKeys
	DepsFunc func(pk plugin.PrimaryKeys) map[string]plugin.PrimaryKeys
	Prepared bool
	Calls    *Calls
	// Err is returned from the main operation (CollectData / CalData)
	Err error

	mu      sync.Mutex
	cleaned int
	runs    int
}

func (b *Base) record(method string) {
	if b.Calls != nil {
		b.Calls.add(b.TaskName + "." + method)
	}
}

func (b *Base) Name() string { return b.TaskName }

func (b *Base) Dependencies(pk plugin.PrimaryKeys) map[string]plugin.PrimaryKeys {
	if b.DepsFunc != nil {
		return b.DepsFunc(pk)
	}
	return b.Deps
}

func (b *Base) IsDataPrepared(ctx context.Context, pk plugin.PrimaryKeys) (bool, error) {
	b.record("IsDataPrepared")
	return b.Prepared, nil
}

func (b *Base) CleanData(ctx context.Context, pk *plugin.PrimaryKeys) (bool, error) {
	b.record("CleanData")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleaned++
	return true, nil
}

// Runs returns how many times the main operation ran
func (b *Base) Runs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runs
}

// Cleaned returns how many times CleanData ran
func (b *Base) Cleaned() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cleaned
}

func (b *Base) run(method string) error {
	b.record(method)
	b.mu.Lock()
	b.runs++
	b.mu.Unlock()
	return b.Err
}

// Collector is a fake plugin.Collector
type Collector struct {
	Base
}

var _ plugin.Collector = (*Collector)(nil)

// NewCollector creates a fake collector with the given dependencies
func NewCollector(name string, calls *Calls, deps map[string]plugin.PrimaryKeys) *Collector {
	return &Collector{Base: Base{TaskName: name, Deps: deps, Calls: calls}}
}

func (c *Collector) CollectData(ctx context.Context, pk plugin.PrimaryKeys) error {
	return c.run("CollectData")
}

// Enricher is a fake plugin.Enricher
type Enricher struct {
	Base
	Lazy bool
	// CheckErr is returned from SelfCheck
	CheckErr error
}

var _ plugin.Enricher = (*Enricher)(nil)

// NewEnricher creates a fake enricher with the given dependencies
func NewEnricher(name string, calls *Calls, deps map[string]plugin.PrimaryKeys) *Enricher {
	return &Enricher{Base: Base{TaskName: name, Deps: deps, Calls: calls}}
}

func (e *Enricher) CalData(ctx context.Context, pk plugin.PrimaryKeys) error {
	return e.run("CalData")
}

func (e *Enricher) QueryData(ctx context.Context, pk plugin.PrimaryKeys) (any, error) {
	e.record("QueryData")
	return nil, nil
}

func (e *Enricher) SupportsLazy() bool { return e.Lazy }

func (e *Enricher) SelfCheck(ctx context.Context, pk plugin.PrimaryKeys) error {
	e.record("SelfCheck")
	return e.CheckErr
}
