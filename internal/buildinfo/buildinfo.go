package buildinfo

import "fmt"

// Name is reported by the version command and the /healthz endpoint.
const Name = "fgapiserver"

// These values are overridden at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return fmt.Sprintf("%s version=%s commit=%s date=%s", Name, Version, Commit, Date)
}

// Info returns the build metadata as a flat map for JSON responses.
func Info() map[string]string {
	return map[string]string{
		"name":    Name,
		"version": Version,
		"commit":  Commit,
		"date":    Date,
	}
}
