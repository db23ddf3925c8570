// Package main is the tunneler command.
package main

import "github.com/borud/tunneler/internal/cli"

func main() {
	cli.Execute()
}
