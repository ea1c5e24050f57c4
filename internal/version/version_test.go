// Copyright Kilo Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Cleanup(func() { version = "" })
	for _, tc := range []struct {
		raw      string
		expected string
	}{
		{raw: "", expected: "dev"},
		{raw: "v0.3.0", expected: "v0.3.0"},
		{raw: "v0.3.0-0-gdeadbee", expected: "v0.3.0"},
		{raw: "v0.3.0-14-gdeadbee", expected: "deadbee (v0.3.0, +14)"},
		{raw: "v0.3.0-rc1-2-gdeadbee", expected: "deadbee (v0.3.0-rc1, +2)"},
	} {
		t.Run(tc.raw, func(t *testing.T) {
			version = tc.raw
			require.Equal(t, tc.expected, Parse())
		})
	}
}
