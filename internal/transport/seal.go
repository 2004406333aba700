package transport

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// SealShare encrypts a DKG share scalar so only the recipient can open
// it. Authenticated envelopes prove who sent a share; sealing keeps
// the broker and other operators from reading it. Output is the random
// 24-byte nonce followed by the box ciphertext.
func SealShare(plain []byte, recipientPub, senderSecret *[32]byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("seal nonce: %w", err)
	}
	sealed := box.Seal(nonce[:], plain, &nonce, recipientPub, senderSecret)
	return sealed, nil
}

// OpenShare decrypts a sealed share from the given sender.
func OpenShare(sealed []byte, senderPub, recipientSecret *[32]byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, fmt.Errorf("sealed share too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := box.Open(nil, sealed[24:], &nonce, senderPub, recipientSecret)
	if !ok {
		return nil, fmt.Errorf("sealed share authentication failed")
	}
	return plain, nil
}
