package main

import "github.com/avery/foreman/cmd/foreman/commands"

func main() {
	commands.Execute()
}
