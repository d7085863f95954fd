// Command clarium is the embeddable multi-modal database core's
// administration/demonstration CLI: it wires the storage facade, script
// registry, and SELECT pipeline together, but does not itself speak a
// wire protocol (spec.md §1's scope boundary — a PG-wire or HTTP front
// end is assumed to sit in front of this core in a full deployment).
package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"clarium.evalgo.org/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
