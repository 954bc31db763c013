package main

import "cometwatch/internal/cli"

func main() {
	cli.Execute()
}
