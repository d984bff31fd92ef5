package version

import (
	"runtime"
	"strings"
	"time"

	"github.com/babelcloud/gbox/packages/teleop/internal/teleop/protocol"
)

// These variables will be set at build time via -ldflags
var (
	Version   = "dev"
	BuildTime = "unknown"
	CommitID  = "unknown"
)

// ProtocolVersion is the wire protocol revision this client speaks
const ProtocolVersion = "v1"

// Messages lists the session socket discriminants of ProtocolVersion, so a server operator can
// check a client against the relay.
func Messages() string {
	kinds := protocol.Kinds()
	names := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		names = append(names, string(kind))
	}
	return strings.Join(names, ",")
}

func formatBuildTime() string {
	if BuildTime == "unknown" {
		return BuildTime
	}

	t, err := time.Parse(time.RFC3339, BuildTime)
	if err != nil {
		return BuildTime
	}
	return t.Format("Mon Jan 2 15:04:05 2006")
}

// ClientInfo returns structured client version information
func ClientInfo() map[string]string {
	return map[string]string{
		"Version":         Version,
		"ProtocolVersion": ProtocolVersion,
		"Messages":        Messages(),
		"GoVersion":       runtime.Version(),
		"GitCommit":       CommitID,
		"BuildTime":       BuildTime,
		"FormattedTime":   formatBuildTime(),
		"OS":              runtime.GOOS,
		"Arch":            runtime.GOARCH,
	}
}
