package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionMessageDigest(t *testing.T) {
	msg := ActionMessage{
		Kind:      ActionMint,
		Asset:     "XMR",
		Amount:    5_000_000_000_000,
		Recipient: "0x1111111111111111111111111111111111111111",
		Nonce:     "sourcetxhash",
	}

	digest := msg.Digest()
	require.Len(t, digest, 32)
	assert.Equal(t, digest, msg.Digest(), "digest is deterministic")

	// Every field is digest-relevant.
	for name, mutate := range map[string]func(m ActionMessage) ActionMessage{
		"kind":      func(m ActionMessage) ActionMessage { m.Kind = ActionRelease; return m },
		"asset":     func(m ActionMessage) ActionMessage { m.Asset = "WXMR"; return m },
		"amount":    func(m ActionMessage) ActionMessage { m.Amount++; return m },
		"recipient": func(m ActionMessage) ActionMessage { m.Recipient = "0x2222222222222222222222222222222222222222"; return m },
		"nonce":     func(m ActionMessage) ActionMessage { m.Nonce = "othertxhash"; return m },
	} {
		assert.NotEqual(t, digest, mutate(msg).Digest(), "changing %s must change the digest", name)
	}
}

func TestCanonicalEncodingIsUnambiguous(t *testing.T) {
	a := ActionMessage{Kind: "ab", Asset: "c"}
	b := ActionMessage{Kind: "a", Asset: "bc"}
	assert.NotEqual(t, a.Canonical(), b.Canonical())
	assert.NotEqual(t, a.Digest(), b.Digest())
}

func TestAttestationDigestClearsMintRecipientOnly(t *testing.T) {
	mint := ActionMessage{
		Kind:      ActionMint,
		Asset:     "XMR",
		Amount:    100,
		Recipient: "0x1111111111111111111111111111111111111111",
		Nonce:     "deposit-tx",
	}
	blind := mint
	blind.Recipient = ""

	// Operators other than the allocator cannot know the recipient, so
	// the attested mint digest is recipient-free.
	assert.Equal(t, blind.Digest(), mint.AttestationDigest())
	assert.NotEqual(t, mint.Digest(), mint.AttestationDigest())

	otherRecipient := mint
	otherRecipient.Recipient = "0x2222222222222222222222222222222222222222"
	assert.Equal(t, mint.AttestationDigest(), otherRecipient.AttestationDigest())

	// AttestationDigest must not mutate the caller's message.
	assert.Equal(t, "0x1111111111111111111111111111111111111111", mint.Recipient)

	// A release destination is on chain, so the full message is attested.
	release := ActionMessage{
		Kind:      ActionRelease,
		Asset:     "XMR",
		Amount:    100,
		Recipient: "4AdUndXHHZ6cfufTMvppY6JwXNouMBzSkbLYfpAV5Usx3skxNgYeYTRj5UzqtReoS44qo9mtmXCqY45DJ852K5Jv2684Rge",
		Nonce:     "burn-tx",
	}
	assert.Equal(t, release.Digest(), release.AttestationDigest())
}

func TestErrorTypes(t *testing.T) {
	cause := fmt.Errorf("connection refused")

	var err error = &ChainQueryError{Chain: "monero", Op: "get_height", Err: cause}
	assert.True(t, IsChainQueryError(err))
	assert.False(t, IsLedgerError(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "monero")

	err = &LedgerError{Op: "record_deposit", Err: cause}
	assert.True(t, IsLedgerError(err))
	assert.False(t, IsChainQueryError(err))
	assert.ErrorIs(t, err, cause)

	err = fmt.Errorf("wrapped: %w", &TransportError{Op: "publish", Participant: 3, Err: cause})
	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, uint32(3), terr.Participant)
	assert.ErrorIs(t, err, cause)

	perr := &ThresholdProtocolError{SessionID: "sess", Phase: "dkg", Reason: "timeout", Fatal: true}
	assert.Contains(t, perr.Error(), "sess")

	cerr := &ConfigurationError{Field: "operator.threshold", Reason: "out of range"}
	assert.Contains(t, cerr.Error(), "operator.threshold")
}
