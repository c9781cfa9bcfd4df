package main

import "github.com/diogo/chatrelay/internal/commands"

func main() {
	commands.Execute()
}
