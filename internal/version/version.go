// Package version holds build identity for the membank binary.
package version

import "fmt"

// Set via -ldflags at release build time; the defaults identify a dev build.
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// String returns the human-readable version line printed by the CLI.
func String() string {
	return fmt.Sprintf("membank v%s (%s)", Version, Commit)
}
