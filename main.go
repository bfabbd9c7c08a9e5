package main

import "github.com/oar-cd/conductor/cmd/root"

func main() {
	root.Execute()
}
