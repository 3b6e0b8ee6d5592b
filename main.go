package main

import "github.com/ftl/cvep/cmd"

func main() {
	cmd.Execute()
}
