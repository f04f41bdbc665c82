// Package buildinfo holds build-time version metadata.
package buildinfo

// Version is the CLI version, overridden at build time via
// -ldflags "-X edison.dev/cli/cmd/edison/cli/buildinfo.Version=v1.2.3".
var Version = "v0.9.0-dev"
