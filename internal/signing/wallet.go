package signing

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/veritel/veritel-node/internal/domain"
)

// Wallet holds the node's secp256k1 identity key. Signatures are recoverable,
// so verifiers derive the publisher address from the signature itself instead
// of carrying public keys on the wire.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewWallet parses a hex-encoded private key. A 0x prefix is accepted.
func NewWallet(hexKey string) (*Wallet, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	keyBytes, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	key, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Wallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// GenerateWallet creates an ephemeral key for nodes started without a
// configured identity key.
func GenerateWallet() (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &Wallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// Sign produces a 65-byte recoverable signature over a 32-byte digest.
func (w *Wallet) Sign(digest []byte) ([]byte, error) {
	if len(digest) != domain.HashSize {
		return nil, fmt.Errorf("digest must be %d bytes, got %d", domain.HashSize, len(digest))
	}
	return crypto.Sign(digest, w.key)
}

// Address returns the checksummed signer address.
func (w *Wallet) Address() string {
	return w.address
}

// RecoverAddress returns the address whose key produced signature over
// digest.
func RecoverAddress(digest, signature []byte) (string, error) {
	pub, err := crypto.SigToPub(digest, signature)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// Verify reports whether signature over digest was produced by address. Any
// mutation of digest or signature recovers a different key and fails.
func Verify(digest, signature []byte, address string) bool {
	recovered, err := RecoverAddress(digest, signature)
	if err != nil {
		return false
	}
	return strings.EqualFold(recovered, address)
}

// Compile-time interface check
var _ domain.Signer = (*Wallet)(nil)
