package main

import (
	"github.com/bitrise-io/build-output-cache/cmd"
)

func main() {
	cmd.Execute()
}
