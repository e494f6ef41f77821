package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithCommit(t *testing.T) {
	assert.Equal(t, WithMeta, WithCommit("", ""))
	assert.Equal(t, WithMeta+"-0123abcd-20250101", WithCommit("0123abcdef", "20250101"))
}

func TestBuildInfoVCS(t *testing.T) {
	info, ok := buildInfoVCS(&debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123abcdef"},
		{Key: "vcs.time", Value: "2025-03-04T05:06:07Z"},
		{Key: "vcs.modified", Value: "true"},
	}})
	assert.True(t, ok)
	assert.Equal(t, VCSInfo{Commit: "0123abcdef", Date: "20250304", Dirty: true}, info)

	_, ok = buildInfoVCS(&debug.BuildInfo{})
	assert.False(t, ok)
}
