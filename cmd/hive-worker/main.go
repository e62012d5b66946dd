// Command hive-worker runs one task script on behalf of a hive parent.
//
// Usage: hive-worker <address> <script>
//
// The 32-byte session key is read from stdin before connecting to address.
package main

import (
	"os"

	"github.com/mattjoyce/hive/internal/bootstrap"
	"github.com/mattjoyce/hive/internal/task"
	"github.com/mattjoyce/hive/internal/tasks"
)

func main() {
	loader := task.NewDefinitionLoader(tasks.Registry())
	os.Exit(bootstrap.Main(os.Args[1:], os.Stdin, os.Stderr, loader))
}
