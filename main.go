package main

import (
	"log"

	"mpesa-relay/cmd"
)

func main() {
	if err := cmd.Start(); err != nil {
		log.Fatal(err)
	}
}
