package main

import "github.com/imran-siddique/agentos/cmd/agentos/cmd"

func main() {
	cmd.Execute()
}
