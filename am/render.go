package am

import (
	"encoding/json"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/teranos/lake/errors"
)

// Marshal renders the configuration with tokens redacted.
// Supported formats: toml (default), json, yaml.
func Marshal(c *Config, format string) ([]byte, error) {
	redacted := c.Redacted()

	switch format {
	case "", "toml":
		out, err := toml.Marshal(redacted)
		return out, errors.Wrap(err, "marshal toml")
	case "json":
		out, err := json.MarshalIndent(redacted, "", "  ")
		return out, errors.Wrap(err, "marshal json")
	case "yaml", "yml":
		out, err := yaml.Marshal(redacted)
		return out, errors.Wrap(err, "marshal yaml")
	default:
		return nil, errors.NewInvalidRequestError("unknown config format %q (toml, json, yaml)", format)
	}
}
