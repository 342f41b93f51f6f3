package main

import "flowpilot/cmd"

func main() {
	cmd.Execute()
}
