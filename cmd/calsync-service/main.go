package main

import (
	"os"

	"github.com/meridianhq/calsync/syncservice"
)

func main() {
	if err := syncservice.Run(); err != nil {
		os.Exit(1)
	}
}
