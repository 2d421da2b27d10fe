package main

import "github.com/dayuer/nanobot-group/cmd"

func main() {
	cmd.Execute()
}
