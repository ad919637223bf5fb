package main

import "lingo-gateway/cmd"

func main() {
	cmd.Execute()
}
