package enrich

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/lake/am"
	"github.com/teranos/lake/errors"
)

func TestMappingPassesThroughUnmapped(t *testing.T) {
	m := NewMapping(
		map[string]string{"Story": TypeRequirement, "bug": TypeBug},
		map[string]string{"closed": StatusResolved, "in review": StatusInProgress},
		nil,
	)

	assert.Equal(t, TypeRequirement, m.MapType("story"))
	assert.Equal(t, TypeBug, m.MapType("Bug"))
	assert.Equal(t, "Epic", m.MapType("Epic"))

	assert.Equal(t, StatusResolved, m.MapStatus("Closed"))
	assert.Equal(t, StatusInProgress, m.MapStatus("In Review"))
	assert.Equal(t, "Blocked", m.MapStatus("Blocked"))
}

func TestMappingIsTerminal(t *testing.T) {
	m := NewMapping(nil, map[string]string{"shipped": StatusResolved}, nil)
	assert.True(t, m.IsTerminal("Shipped"), "mapped to a terminal standard status")
	assert.True(t, m.IsTerminal("done"), "raw value in the default terminal list")
	assert.False(t, m.IsTerminal("Open"))

	custom := NewMapping(nil, nil, []string{"Released"})
	assert.True(t, custom.IsTerminal("released"))
	assert.False(t, custom.IsTerminal("Done"))
}

func TestFromConfigMergesMappingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
types:
  Story: Requirement
statuses:
  closed: Done
terminal: [Done]
`), 0o644))

	m, err := FromConfig(am.EnrichConfig{
		MappingsFile:  path,
		TypeMapping:   map[string]string{"bug": TypeBug, "story": "ignored"},
		StatusMapping: map[string]string{"closed": StatusResolved, "wip": StatusInProgress},
	}, MappingTable{Types: map[string]string{"incident": TypeIncident}})
	require.NoError(t, err)

	assert.Equal(t, TypeRequirement, m.MapType("story"), "file overrides inline")
	assert.Equal(t, TypeBug, m.MapType("bug"))
	assert.Equal(t, TypeIncident, m.MapType("Incident"), "defaults survive the merge")
	assert.Equal(t, "Done", m.MapStatus("Closed"))
	assert.Equal(t, StatusInProgress, m.MapStatus("WIP"))
	assert.True(t, m.IsTerminal("closed"))
	assert.False(t, m.IsTerminal(StatusResolved))
}

func TestLoadMappingsErrors(t *testing.T) {
	_, err := LoadMappings(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("types: [not, a, map]"), 0o644))
	_, err = LoadMappings(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, am.ErrInvalidConfig))
	assert.NotEmpty(t, errors.GetAllHints(err))
}
