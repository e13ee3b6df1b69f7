// miioctl is a command-line client for sending calls to a single Mi Home
// device over UDP.
package main

import "github.com/mihome-go/miioc/cmd/miioctl/commands"

func main() {
	commands.Execute()
}
