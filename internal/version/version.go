// Copyright Kilo Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package version exposes the build version of the gateway binary.
package version

import "strings"

// version is populated by the Go linker from the git describe output,
// in the format "<tag>-<commits since tag>-g<short sha>".
var version string

// Parse returns a human readable version string. Builds made without the
// make tooling report "dev".
func Parse() string {
	if version == "" {
		return "dev"
	}
	parts := strings.Split(version, "-")
	if len(parts) < 3 {
		// A plain release tag.
		return version
	}
	tag := strings.Join(parts[:len(parts)-2], "-")
	commits := parts[len(parts)-2]
	sha := strings.TrimPrefix(parts[len(parts)-1], "g")
	if commits == "0" {
		return tag
	}
	return sha + " (" + tag + ", +" + commits + ")"
}
