// Package version holds build information set via ldflags:
//
//	go build -ldflags "-X github.com/doughall/gadgetd/internal/version.Version=1.2.0 \
//	                   -X github.com/doughall/gadgetd/internal/version.Commit=abc123"
package version

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info formats the build information for program name.
func Info(program string) string {
	return program + " " + Version + " (commit: " + Commit + ", built: " + BuildTime + ")"
}
