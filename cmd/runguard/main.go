package main

import (
	"fmt"
	"os"

	"github.com/runguardhq/runguard/internal/cmd"
	"github.com/runguardhq/runguard/internal/version"
)

func main() {
	cmd.SetVersionInfo(version.Version, version.Commit, version.Date)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
