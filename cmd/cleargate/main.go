// cleargate decides ALLOW, DENY, or REQUIRE_APPROVAL for governed
// actions, gates high-risk operations behind single-use approvals,
// and records every outcome in a hash-chained audit log.
package main

import "github.com/mlevins/cleargate/internal/cli"

func main() {
	cli.Execute()
}
