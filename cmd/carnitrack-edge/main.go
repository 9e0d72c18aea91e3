// Package main is the single-binary entrypoint for the CarniTrack edge
// gateway.
package main

import "github.com/carnitrack/edge/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
