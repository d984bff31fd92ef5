package engine

import (
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// DefaultICEServers is used when no ICE servers are configured.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// ParseICEServers turns stun:/turn: URLs into ICE server entries. TURN credentials may be given
// inline as turn:user:pass@host:port.
func ParseICEServers(urls []string) ([]webrtc.ICEServer, error) {
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		server := webrtc.ICEServer{}
		scheme, rest, ok := strings.Cut(raw, ":")
		if !ok {
			return nil, errors.Errorf("invalid ice server url %q", raw)
		}
		if userinfo, host, found := strings.Cut(rest, "@"); found {
			username, credential, _ := strings.Cut(userinfo, ":")
			server.Username = username
			server.Credential = credential
			raw = scheme + ":" + host
		}

		if _, err := ice.ParseURL(raw); err != nil {
			return nil, errors.Wrapf(err, "invalid ice server url %q", raw)
		}
		if strings.HasPrefix(scheme, "turn") && server.Username == "" {
			return nil, errors.Errorf("turn server %q needs credentials", raw)
		}

		server.URLs = []string{raw}
		servers = append(servers, server)
	}
	return servers, nil
}
