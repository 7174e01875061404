// Command vaultkit manages the single-writer lock of a cloud-synced vault.
package main

import "github.com/vaultkit/vaultkit/internal/cli"

func main() {
	cli.Execute()
}
