package main

import "github.com/statekit/statekit/cmd"

func main() {
	cmd.Execute()
}
