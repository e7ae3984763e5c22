package enrich

import (
	"maps"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/teranos/lake/am"
	"github.com/teranos/lake/errors"
)

// Standard issue types
const (
	TypeRequirement = "Requirement"
	TypeBug         = "Bug"
	TypeIncident    = "Incident"
)

// Standard statuses
const (
	StatusTodo       = "Todo"
	StatusInProgress = "InProgress"
	StatusResolved   = "Resolved"
)

// DefaultTerminal lists the statuses treated as terminal when none are configured
var DefaultTerminal = []string{StatusResolved, "Done", "Closed"}

// Mapping normalizes source types and statuses. Lookups are case-insensitive;
// configuration keys arrive lowercased from viper.
type Mapping struct {
	types    map[string]string
	statuses map[string]string
	terminal map[string]bool
}

// MappingTable is the YAML form of a mapping file:
//
//	types:
//	  story: Requirement
//	statuses:
//	  closed: Resolved
//	terminal: [Resolved]
type MappingTable struct {
	Types    map[string]string `yaml:"types"`
	Statuses map[string]string `yaml:"statuses"`
	Terminal []string          `yaml:"terminal"`
}

// Mapping returns the lookup form of the table
func (t MappingTable) Mapping() *Mapping {
	return NewMapping(t.Types, t.Statuses, t.Terminal)
}

// NewMapping builds a mapping. An empty terminal list means DefaultTerminal.
func NewMapping(types, statuses map[string]string, terminal []string) *Mapping {
	m := &Mapping{
		types:    lowerKeys(types),
		statuses: lowerKeys(statuses),
		terminal: make(map[string]bool),
	}
	if len(terminal) == 0 {
		terminal = DefaultTerminal
	}
	for _, s := range terminal {
		m.terminal[strings.ToLower(s)] = true
	}
	return m
}

// FromConfig builds the mapping from enrich configuration. Precedence, lowest
// first: defaults, the inline tables, the mappings file (when set).
func FromConfig(cfg am.EnrichConfig, defaults MappingTable) (*Mapping, error) {
	table := defaults.Merge(MappingTable{
		Types:    maps.Clone(cfg.TypeMapping),
		Statuses: maps.Clone(cfg.StatusMapping),
		Terminal: cfg.TerminalStatuses,
	})
	if cfg.MappingsFile != "" {
		file, err := LoadMappings(cfg.MappingsFile)
		if err != nil {
			return nil, err
		}
		table = table.Merge(file)
	}
	return NewMapping(table.Types, table.Statuses, table.Terminal), nil
}

// LoadMappings reads a YAML mapping table
func LoadMappings(path string) (MappingTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return MappingTable{}, errors.Wrapf(err, "read mappings file %s", path)
	}
	var table MappingTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return MappingTable{}, errors.WithHint(
			errors.Mark(errors.Wrapf(err, "parse mappings file %s", path), am.ErrInvalidConfig),
			"expected top-level keys types, statuses and terminal")
	}
	return table, nil
}

// Merge returns t with entries of other taking precedence
func (t MappingTable) Merge(other MappingTable) MappingTable {
	out := MappingTable{
		Types:    make(map[string]string),
		Statuses: make(map[string]string),
		Terminal: t.Terminal,
	}
	maps.Copy(out.Types, lowerKeys(t.Types))
	maps.Copy(out.Types, lowerKeys(other.Types))
	maps.Copy(out.Statuses, lowerKeys(t.Statuses))
	maps.Copy(out.Statuses, lowerKeys(other.Statuses))
	if len(other.Terminal) > 0 {
		out.Terminal = other.Terminal
	}
	return out
}

// MapType returns the standard type for raw, or raw unchanged when unmapped
func (m *Mapping) MapType(raw string) string {
	if v, ok := m.types[strings.ToLower(raw)]; ok {
		return v
	}
	return raw
}

// MapStatus returns the standard status for raw, or raw unchanged when unmapped
func (m *Mapping) MapStatus(raw string) string {
	if v, ok := m.statuses[strings.ToLower(raw)]; ok {
		return v
	}
	return raw
}

// IsTerminal reports whether raw, or the status it maps to, is terminal
func (m *Mapping) IsTerminal(raw string) bool {
	return m.terminal[strings.ToLower(raw)] || m.terminal[strings.ToLower(m.MapStatus(raw))]
}

func lowerKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}
