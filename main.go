package main

import "github.com/tanq16/haul/cmd"

func main() {
	cmd.Execute()
}
