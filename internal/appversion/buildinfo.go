// Package appversion provides build-time version information.
package appversion

// version is set at build time via -ldflags.
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

// ProtocolVersion is sent in the request envelope by development builds.
// Clients and servers must agree on its major version.
const ProtocolVersion = "2.0.8"

// String returns the current version.
func String() string {
	return version
}

// Protocol returns the version used for the client/server handshake: the
// build version, or ProtocolVersion for development builds.
func Protocol() string {
	if version == "" || version == "dev" {
		return ProtocolVersion
	}
	return version
}
