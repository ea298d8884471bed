package protocol

import (
	"strings"

	"golang.org/x/mod/semver"
)

// canonical turns "2.0.8" or "v2.0.8" into "v2.0.8"; invalid input yields "".
func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// CheckVersion accepts a client whose major version equals the server's.
// A missing or unparsable client version is rejected.
func CheckVersion(client, server string) error {
	c, s := canonical(client), canonical(server)
	if c == "" || s == "" || semver.Major(c) != semver.Major(s) {
		if client == "" {
			client = "unknown"
		}
		return &VersionMismatchError{Client: client, Server: server}
	}
	return nil
}
