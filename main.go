package main

import "github.com/agentrelay/relay/cmd"

func main() {
	cmd.Execute()
}
