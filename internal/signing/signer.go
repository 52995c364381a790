package signing

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrStaleSignature indicates the content timestamp fell outside the freshness window.
	ErrStaleSignature = errors.New("signature timestamp outside freshness window")
	// ErrSignerMismatch indicates the recovered signer differs from the claimed sender.
	ErrSignerMismatch = errors.New("recovered signer does not match claimed sender")
	// ErrInvalidSignature indicates the signature bytes could not be decoded or recovered.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrAddressFormat indicates the claimed address is not a 0x-prefixed 20-byte hex string.
	ErrAddressFormat = errors.New("invalid account address format")
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidAddress reports whether the value is syntactically a valid account address.
func ValidAddress(address string) bool {
	return addressPattern.MatchString(strings.TrimSpace(address))
}

// SameAddress compares two account addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Signer signs canonicalized message content with the backend's own key and
// verifies signatures claimed by arbitrary wallet addresses.
type Signer struct {
	key *ecdsa.PrivateKey
	now func() time.Time
}

// SignerOption configures optional Signer behaviour at construction time.
type SignerOption func(*Signer)

// WithClock overrides the freshness-check time source; primarily used in tests.
func WithClock(clock func() time.Time) SignerOption {
	return func(s *Signer) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewSigner parses the hex-encoded secp256k1 private key used as the backend's
// signing identity.
func NewSigner(privateKeyHex string, opts ...SignerOption) (*Signer, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if trimmed == "" {
		return nil, errors.New("signing key must not be empty")
	}
	key, err := ethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	signer := &Signer{key: key, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(signer)
		}
	}
	return signer, nil
}

// Address returns the backend's own signing address.
func (s *Signer) Address() string {
	if s == nil || s.key == nil {
		return ""
	}
	return ethcrypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

// Sign produces a hex signature over the core-field subset of the content.
func (s *Signer) Sign(content json.RawMessage) (string, error) {
	if s == nil || s.key == nil {
		return "", errors.New("signer not initialised")
	}
	core, err := CoreBytes(content)
	if err != nil {
		return "", err
	}
	signature, err := ethcrypto.Sign(messageDigest(core), s.key)
	if err != nil {
		return "", fmt.Errorf("sign content: %w", err)
	}
	// Wallets emit recovery ids of 27/28; emit the same convention.
	signature[64] += 27
	return "0x" + hex.EncodeToString(signature), nil
}

// Verify checks freshness and recovers the signer of the content's core-field
// subset, comparing it case-insensitively against the claimed sender. The
// recovered address is returned on success.
func (s *Signer) Verify(content json.RawMessage, signature, claimedSender string, timestamp int64, window time.Duration) (string, error) {
	if s == nil {
		return "", errors.New("signer not initialised")
	}
	if window >= 0 {
		now := s.now().UnixMilli()
		skew := now - timestamp
		if skew < 0 {
			skew = -skew
		}
		if skew > window.Milliseconds() {
			return "", ErrStaleSignature
		}
	}

	core, err := CoreBytes(content)
	if err != nil {
		return "", err
	}
	recovered, err := RecoverAddress(core, signature)
	if err != nil {
		return "", err
	}
	if !SameAddress(recovered, claimedSender) {
		return "", ErrSignerMismatch
	}
	return recovered, nil
}

// RecoverAddress recovers the account address that signed the canonical bytes.
func RecoverAddress(canonical []byte, signature string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "0x"))
	if err != nil {
		return "", ErrInvalidSignature
	}
	if len(raw) != 65 {
		return "", ErrInvalidSignature
	}
	// Normalise the recovery id back to 0/1 for recovery.
	sig := append([]byte(nil), raw...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pubKey, err := ethcrypto.SigToPub(messageDigest(canonical), sig)
	if err != nil {
		return "", ErrInvalidSignature
	}
	return ethcrypto.PubkeyToAddress(*pubKey).Hex(), nil
}

// messageDigest hashes canonical bytes with the standard signed-message prefix
// so wallet-produced signatures remain verifiable.
func messageDigest(canonical []byte) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(canonical), canonical)
	return ethcrypto.Keccak256([]byte(prefixed))
}
