package main

import (
	"log"

	"validatorpass/services/extractd"
)

func main() {
	if err := extractd.Main(); err != nil {
		log.Fatalf("contribution-extractd: %v", err)
	}
}
