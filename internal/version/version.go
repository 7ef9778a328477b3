// Package version carries build metadata set through -ldflags.
package version

var (
	CLIName    = "orchestrator"
	CLIVersion = "0.1.0"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

// UserAgent identifies outbound HTTP requests.
func UserAgent() string {
	return CLIName + "/" + CLIVersion
}
