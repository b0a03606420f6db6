// Package version holds the build-time version string for the ark binary.
package version

// Number is the version printed by `ark --version`. kernel_info_reply
// reports dispatcher.ImplementationVersion instead.
//
// Overridden at link time with -ldflags "-X github.com/posit-dev/ark/version.Number=...".
var Number = "0.1.0-dev"
