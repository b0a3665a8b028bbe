package main

import "github.com/pixperk/fencelock/cmd/fencelock/commands"

func main() {
	commands.Execute()
}
