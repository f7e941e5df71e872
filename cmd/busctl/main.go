package main

import (
	"log"

	"github.com/austindbirch/bus_relay/cmd/busctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
