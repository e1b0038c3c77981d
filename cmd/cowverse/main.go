package main

import "github.com/aweris/cowverse/cmd/cowverse/cmd"

func main() {
	cmd.Execute()
}
