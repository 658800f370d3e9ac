package main

import (
	"github.com/attanik/gatehouse/internal/cli"
)

func main() {
	cli.Execute()
}
