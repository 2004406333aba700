package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"

	"golang.org/x/crypto/nacl/box"
)

// Generates the identity material for one bridge operator: an ed25519
// keypair for envelope signatures and a curve25519 keypair for sealed
// DKG shares. Secrets go into the operator's own config, public halves
// into every operator's peer list.
func main() {
	participantID := flag.Uint("id", 1, "participant id for the printed config snippet")
	flag.Parse()

	signingPub, signingPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		log.Fatalf("Failed to generate signing key: %v", err)
	}

	boxPub, boxPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		log.Fatalf("Failed to generate box key: %v", err)
	}

	fmt.Println("============================================================")
	fmt.Printf("Operator Key Material (participant %d)\n", *participantID)
	fmt.Println("============================================================")
	fmt.Println()
	fmt.Println("Private keys - THIS operator's config only, never shared:")
	fmt.Println()
	fmt.Println("operator:")
	fmt.Printf("  participantId: %d\n", *participantID)
	fmt.Printf("  signingKey: %s\n", hex.EncodeToString(signingPriv.Seed()))
	fmt.Printf("  boxKey: %s\n", hex.EncodeToString(boxPriv[:]))
	fmt.Println()
	fmt.Println("Public keys - add to the peers list of EVERY operator:")
	fmt.Println()
	fmt.Printf("  - id: %d\n", *participantID)
	fmt.Printf("    signingPublicKey: %s\n", hex.EncodeToString(signingPub))
	fmt.Printf("    boxPublicKey: %s\n", hex.EncodeToString(boxPub[:]))
	fmt.Println()
	fmt.Println("============================================================")
}
