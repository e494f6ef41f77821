// Copyright 2022 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package version reports the version of the running binary, combining the
// release numbers with the VCS state the go tool embeds at build time.
package version

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/substatevm/substatevm/version"
)

const ourPath = "github.com/substatevm/substatevm"

const (
	vcsTimeLayout  = "2006-01-02T15:04:05Z"
	dateTimeLayout = "20060102"
)

// Set with -ldflags "-X" by release builds that have no VCS metadata.
var gitCommit, gitDate string

// Family holds the textual version string for major.minor
var Family = fmt.Sprintf("%d.%d", version.Major, version.Minor)

// Semantic holds the textual version string for major.minor.patch.
var Semantic = fmt.Sprintf("%d.%d.%d", version.Major, version.Minor, version.Patch)

var WithMeta = func() string {
	if version.Meta == "" {
		return Semantic
	}
	return Semantic + "-" + version.Meta
}()

// WithCommit appends the short commit hash and, for unstable builds, the
// commit date.
func WithCommit(commit, date string) string {
	vsn := WithMeta
	if len(commit) >= 8 {
		vsn += "-" + commit[:8]
	}
	if version.Meta != "stable" && date != "" {
		vsn += "-" + date
	}
	return vsn
}

// VCSInfo is the state of the source tree the binary was built from.
// VCSInfo 表示构建二进制文件时源码树的状态。
type VCSInfo struct {
	Commit string // full commit hash
	Date   string // commit date as YYYYMMDD
	Dirty  bool
}

// VCS returns the build's VCS information. It reports false for binaries
// built outside a checkout or from another main module.
func VCS() (VCSInfo, bool) {
	if gitCommit != "" {
		return VCSInfo{Commit: gitCommit, Date: gitDate}, true
	}
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Path != ourPath {
		return VCSInfo{}, false
	}
	return buildInfoVCS(info)
}

func buildInfoVCS(info *debug.BuildInfo) (VCSInfo, bool) {
	var s VCSInfo
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			s.Commit = setting.Value
		case "vcs.modified":
			s.Dirty = setting.Value == "true"
		case "vcs.time":
			if t, err := time.Parse(vcsTimeLayout, setting.Value); err == nil {
				s.Date = t.Format(dateTimeLayout)
			}
		}
	}
	return s, s.Commit != "" && s.Date != ""
}
