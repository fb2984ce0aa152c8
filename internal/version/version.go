// Package version carries build identification, overridden at link time.
package version

var (
	// Version is the semantic version of this build.
	Version = "0.1.0-dev"

	// Commit is the VCS revision the build came from.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// String renders the full build identification.
func String() string {
	return Version + " (" + Commit + ", " + Date + ")"
}
