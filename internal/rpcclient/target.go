// ABOUTME: Resolves which gateway URL a call should dial and where that choice came from
// ABOUTME: Renders the connection summary appended to call errors

package rpcclient

import (
	"fmt"
	"strings"
)

// Gateway modes.
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// DefaultPort is the gateway's default listen port.
const DefaultPort = 18789

// Settings is the subset of configuration that decides how to reach the gateway.
type Settings struct {
	Mode           string
	RemoteURL      string
	RemoteToken    string
	RemotePassword string
	LocalToken     string
	LocalPassword  string
	Port           int
	Bind           string
	ConfigPath     string
}

// Target is a resolved gateway endpoint.
type Target struct {
	URL      string
	Source   string
	Token    string
	Password string
	Remote   bool
}

// ResolveTarget picks the URL to dial. An explicit urlOverride wins; remote
// mode requires a configured URL; otherwise the local loopback listener is used.
func ResolveTarget(urlOverride string, s Settings) (Target, error) {
	remote := s.Mode == ModeRemote

	if u := strings.TrimSpace(urlOverride); u != "" {
		t := Target{URL: u, Source: "cli --url", Remote: remote}
		t.Token, t.Password = credentials(s, remote)
		return t, nil
	}

	if remote {
		u := strings.TrimSpace(s.RemoteURL)
		if u == "" {
			cfg := s.ConfigPath
			if cfg == "" {
				cfg = "(none)"
			}
			return Target{}, fmt.Errorf("%w: gateway.remote.url missing\nConfig: %s\nFix: set gateway.remote.url, or set gateway.mode=local",
				ErrRemoteMisconfigured, cfg)
		}
		return Target{URL: u, Source: "config gateway.remote.url", Token: s.RemoteToken, Password: s.RemotePassword, Remote: true}, nil
	}

	port := s.Port
	if port == 0 {
		port = DefaultPort
	}
	return Target{
		URL:      fmt.Sprintf("ws://127.0.0.1:%d/ws", port),
		Source:   "local loopback",
		Token:    s.LocalToken,
		Password: s.LocalPassword,
	}, nil
}

func credentials(s Settings, remote bool) (token, password string) {
	if remote {
		return s.RemoteToken, s.RemotePassword
	}
	return s.LocalToken, s.LocalPassword
}

// ConnectionDetails renders the target, its source, the config path and the
// bind mode, one per line.
func ConnectionDetails(t Target, s Settings) string {
	cfg := s.ConfigPath
	if cfg == "" {
		cfg = "(none)"
	}
	bind := s.Bind
	if bind == "" {
		bind = "loopback"
	}
	lines := []string{
		"Gateway target: " + t.URL,
		"Source: " + t.Source,
		"Config: " + cfg,
		"Bind: " + bind,
	}
	return strings.Join(lines, "\n")
}
