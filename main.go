// SPDX-License-Identifier: MIT
package main

import "github.com/skaphos/fleetctl/cmd/fleetctl"

// execute is overridable in tests.
var execute = fleetctl.Execute

func main() {
	execute()
}
