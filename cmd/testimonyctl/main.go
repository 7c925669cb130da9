// Command testimonyctl is the reference CLI client for a testimonyd
// control socket.
package main

import (
	"github.com/testimony-project/testimony/cmd/testimonyctl/commands"
)

func main() {
	commands.Execute()
}
