package main

import (
	"os"

	"github.com/jhoicas/timbrado-cfdi/cmd/stampctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
