package main

import "github.com/coder1/termmux/internal/cmd"

func main() {
	cmd.Execute()
}
