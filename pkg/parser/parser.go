// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

// Direction indicates the direction of data flow through the proxy.
type Direction int

const (
	// Upstream represents bytes flowing from the client to the origin server.
	Upstream Direction = iota

	// Downstream represents bytes flowing from the origin server to the client.
	Downstream
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}
