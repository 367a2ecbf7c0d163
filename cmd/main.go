package main

import (
	"github.com/dftw-collector/cmd/agent"
)

func main() {
	agent.Execute()
}
