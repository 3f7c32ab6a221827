// Command keygen prints a new ENCRYPTION_KEY value.
package main

import (
	"fmt"
	"log"

	"github.com/tour-badges/badge-issuer/internal/vault"
)

func main() {
	key, err := vault.GenerateKey()
	if err != nil {
		log.Fatalf("failed to generate key: %v", err)
	}
	fmt.Println(key)
}
