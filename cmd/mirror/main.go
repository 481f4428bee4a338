// Command mirror keeps a SQLite store in sync with a spool of work-item
// snapshots.
package main

import "github.com/mesh-intelligence/mirror/internal/cli"

func main() {
	cli.Execute()
}
