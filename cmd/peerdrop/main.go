package main

import (
	"github.com/rudransh-shrivastava/peer-drop/internal/cli"
)

func main() {
	cli.Execute(cli.NewRootCommand())
}
