package version_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pintosfs/pintosfs/internal/version"
)

func TestStringIncludesGoVersion(t *testing.T) {
	s := version.Get().String()
	assert.Contains(t, s, version.Get().GoVersion)
}

func TestStringFallsBackToDevWhenVersionEmpty(t *testing.T) {
	info := version.Info{}
	assert.True(t, strings.HasPrefix(info.String(), "dev"))
}

func TestStringIncludesCommitWhenPresent(t *testing.T) {
	info := version.Info{Version: "v1.2.3", Commit: "abc123"}
	assert.Contains(t, info.String(), "abc123")
}
