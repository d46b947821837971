// Command satchel manages the offline routine cache and the workout write
// queue from the command line.
package main

import "github.com/mesh-intelligence/satchel/internal/cli"

func main() {
	cli.Execute()
}
