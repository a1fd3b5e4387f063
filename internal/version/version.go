package version

import "runtime"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return "murmur " + Version +
		" (commit=" + Commit +
		", date=" + Date +
		", go=" + runtime.Version() +
		", platform=" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}
