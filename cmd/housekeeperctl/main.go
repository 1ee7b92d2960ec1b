package main

import (
	"log"

	"github.com/austindbirch/housekeeper/cmd/housekeeperctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
