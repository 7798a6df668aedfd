// Package buildinfo backs the operational `version` endpoint of spec
// section 6.4. Version and Commit are populated via -ldflags at
// release build time (teacher pattern: flowctl's own version
// reporting surfaces build metadata the same way); for a local
// `go build` with no linker overrides they default to "dev" and
// "unknown".
package buildinfo

var (
	// Version is the release version, e.g. "v1.4.2". Set with:
	//   -ldflags "-X github.com/estuary/paymentedge/internal/buildinfo.Version=v1.4.2"
	Version = "dev"

	// Commit is the source commit the binary was built from.
	Commit = "unknown"
)

// String renders "<version>+<commit>" for the version endpoint body.
func String() string {
	return Version + "+" + Commit
}
