package main

import (
	"github.com/pyneda/minion/cmd"
	"github.com/pyneda/minion/internal/config"
)

func main() {
	config.LoadConfig()
	cmd.Execute()
}
