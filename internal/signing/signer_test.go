package signing

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func mustSigner(t *testing.T, clock func() time.Time) *Signer {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewSigner(hex.EncodeToString(ethcrypto.FromECDSA(key)), WithClock(clock))
	require.NoError(t, err)
	return signer
}

func lower(s string) string { return strings.ToLower(s) }

func TestCanonicalizeIsKeyOrderInvariant(t *testing.T) {
	first := json.RawMessage(`{"b":{"y":2,"x":[3,1,2]},"a":"hello","c":1712345678901}`)
	second := json.RawMessage(`{"c":1712345678901,"a":"hello","b":{"x":[3,1,2],"y":2}}`)

	left, err := Canonicalize(first)
	require.NoError(t, err)
	right, err := Canonicalize(second)
	require.NoError(t, err)
	require.Equal(t, string(left), string(right))
	require.Equal(t, `{"a":"hello","b":{"x":[3,1,2],"y":2},"c":1712345678901}`, string(left))
}

func TestCanonicalizePreservesLargeIntegers(t *testing.T) {
	raw := json.RawMessage(`{"timestamp":1712345678901234567}`)
	canonical, err := Canonicalize(raw)
	require.NoError(t, err)
	require.Equal(t, `{"timestamp":1712345678901234567}`, string(canonical))
}

func TestCoreBytesIgnoresAuxiliaryFields(t *testing.T) {
	bare := json.RawMessage(`{"timestamp":42,"roomId":"room-1","agentId":"agent-1","text":"hi"}`)
	enriched := json.RawMessage(`{"agentId":"agent-1","context":["older message"],"history":{"x":1},"roomId":"room-1","text":"hi","timestamp":42}`)

	left, err := CoreBytes(bare)
	require.NoError(t, err)
	right, err := CoreBytes(enriched)
	require.NoError(t, err)
	require.Equal(t, string(left), string(right))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	now := time.UnixMilli(1712345678901)
	signer := mustSigner(t, func() time.Time { return now })

	content, err := json.Marshal(map[string]any{
		"timestamp": now.UnixMilli(),
		"roomId":    "room-1",
		"roundId":   "round-1",
		"agentId":   "agent-7",
		"text":      "attack the oracle",
	})
	require.NoError(t, err)

	signature, err := signer.Sign(content)
	require.NoError(t, err)

	recovered, err := signer.Verify(content, signature, signer.Address(), now.UnixMilli(), 0)
	require.NoError(t, err)
	require.True(t, SameAddress(recovered, signer.Address()))
}

func TestVerifyAcceptsEnrichedContent(t *testing.T) {
	now := time.UnixMilli(1712345678901)
	signer := mustSigner(t, func() time.Time { return now })

	content := json.RawMessage(`{"timestamp":1712345678901,"roomId":"room-1","text":"hello"}`)
	signature, err := signer.Sign(content)
	require.NoError(t, err)

	enriched := json.RawMessage(`{"timestamp":1712345678901,"roomId":"room-1","text":"hello","context":["derived"],"displayName":"Agent"}`)
	_, err = signer.Verify(enriched, signature, signer.Address(), 1712345678901, time.Minute)
	require.NoError(t, err)
}

func TestVerifyRejectsStaleTimestamps(t *testing.T) {
	now := time.UnixMilli(1712345678901)
	signer := mustSigner(t, func() time.Time { return now })

	content := json.RawMessage(`{"timestamp":1712345618901,"roomId":"room-1","text":"old"}`)
	signature, err := signer.Sign(content)
	require.NoError(t, err)

	// 60s in the past against a 5s window, in both directions.
	_, err = signer.Verify(content, signature, signer.Address(), 1712345618901, 5*time.Second)
	require.ErrorIs(t, err, ErrStaleSignature)

	_, err = signer.Verify(content, signature, signer.Address(), now.UnixMilli()+60_000, 5*time.Second)
	require.ErrorIs(t, err, ErrStaleSignature)
}

func TestVerifyRejectsWrongClaimedSender(t *testing.T) {
	now := time.UnixMilli(1712345678901)
	signer := mustSigner(t, func() time.Time { return now })

	content := json.RawMessage(`{"timestamp":1712345678901,"roomId":"room-1","text":"hello"}`)
	signature, err := signer.Sign(content)
	require.NoError(t, err)

	_, err = signer.Verify(content, signature, "0x0000000000000000000000000000000000000001", 1712345678901, time.Minute)
	require.ErrorIs(t, err, ErrSignerMismatch)
}

func TestVerifyIsCaseInsensitiveOnAddresses(t *testing.T) {
	now := time.UnixMilli(1712345678901)
	signer := mustSigner(t, func() time.Time { return now })

	content := json.RawMessage(`{"timestamp":1712345678901,"roomId":"room-1","text":"hello"}`)
	signature, err := signer.Sign(content)
	require.NoError(t, err)

	_, err = signer.Verify(content, signature, "0x"+lower(signer.Address()[2:]), 1712345678901, time.Minute)
	require.NoError(t, err)
}

func TestRecoverRejectsMalformedSignatures(t *testing.T) {
	_, err := RecoverAddress([]byte(`{}`), "0xdeadbeef")
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = RecoverAddress([]byte(`{}`), "not-hex")
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidAddress(t *testing.T) {
	require.True(t, ValidAddress("0x9c41De96B2088cDe629556883b3CC0216975A3B6"))
	require.False(t, ValidAddress("9c41De96B2088cDe629556883b3CC0216975A3B6"))
	require.False(t, ValidAddress("0x12345"))
	require.False(t, ValidAddress("0xZZ41De96B2088cDe629556883b3CC0216975A3B6"))
}
