package main

import "github.com/toolgate/toolgate/internal/cli"

func main() {
	cli.Execute()
}
