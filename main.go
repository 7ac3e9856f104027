package main

import (
	"github.com/periscan/periscan/cmd"
	"github.com/periscan/periscan/internal/config"
)

func main() {
	config.LoadConfig()
	cmd.Execute()
}
