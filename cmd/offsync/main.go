package main

import (
	"os"

	"offsync/cmd/offsync/cmd"
)

func main() {
	os.Exit(cmd.Execute(os.Args[1:], os.Stdout, os.Stderr, nil))
}
