package main

import (
	"github.com/gaslane/gaslane/cli"
)

func main() {
	cli.Main()
}
