package main

import (
	"os"

	"github.com/BlackMission/authflow/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
