// Command releasectl detects component changes, applies them as versioned
// releases, and records promotions and deployments.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
