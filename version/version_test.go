package version

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCore(t *testing.T) {
	prev := Version
	t.Cleanup(func() { Version = prev })

	Version = "dev"
	assert.Equal(t, DevCore, Core())

	Version = "v0.3.1"
	assert.Equal(t, "0.3.1", Core())
}

func TestDevCoreSatisfiesPluginConstraint(t *testing.T) {
	c, err := semver.NewConstraint(">= 0.1.0-0")
	require.NoError(t, err)
	assert.True(t, c.Check(semver.MustParse(DevCore)))
}

func TestInfoString(t *testing.T) {
	i := Info{Version: "dev", CommitHash: "0123456789", BuildTime: "now"}
	assert.Equal(t, "lake dev (commit 0123456789, built now)", i.String())
	assert.Equal(t, "0123456", i.Short())
}
