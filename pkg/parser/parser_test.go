// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import "testing"

func TestDirection_String(t *testing.T) {
	tests := []struct {
		dir  Direction
		want string
	}{
		{Upstream, "upstream"},
		{Downstream, "downstream"},
		{Direction(7), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.dir.String(); got != tt.want {
			t.Errorf("Direction(%d).String() = %q, want %q", tt.dir, got, tt.want)
		}
	}
}
