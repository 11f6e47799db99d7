package main

import (
	"os"

	"github.com/slateproject/slate/cmd/scheduler/cmd"
	"github.com/slateproject/slate/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
