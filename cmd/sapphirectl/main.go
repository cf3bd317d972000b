// sapphirectl is the control CLI for a running sapphired node.
package main

import "github.com/giapdangle/sapphire/cmd/sapphirectl/commands"

func main() {
	commands.Execute()
}
