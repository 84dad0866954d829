// Package sr25519 wraps the SS58 decode and sr25519 signature verification
// this platform's validator hotkeys require. No example in the retrieval
// pack implements Substrate-style key material — every pack repo signs with
// ed25519, secp256k1, or plain JWTs — so this package is grounded directly
// in the ecosystem library Substrate/Bittensor-style Go tooling uses for it.
package sr25519

import (
	"encoding/hex"
	"fmt"

	subkey "github.com/vedhavyas/go-subkey/v2"
	"github.com/vedhavyas/go-subkey/v2/sr25519"
)

// DecodePublicKey SS58-decodes a validator hotkey into raw public key bytes.
// Any network prefix is accepted; the coordinator does not pin a chain.
func DecodePublicKey(ss58 string) ([]byte, error) {
	_, pubKeyBytes, err := subkey.SS58Decode(ss58)
	if err != nil {
		return nil, fmt.Errorf("sr25519: ss58 decode: %w", err)
	}
	return pubKeyBytes, nil
}

// DecodeSignature hex-decodes a signature and requires exactly 64 bytes.
func DecodeSignature(sigHex string) ([]byte, error) {
	b, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, fmt.Errorf("sr25519: signature hex decode: %w", err)
	}
	if len(b) != 64 {
		return nil, fmt.Errorf("sr25519: signature must be 64 bytes, got %d", len(b))
	}
	return b, nil
}

// Verify checks an sr25519 signature over message using the raw public key
// bytes produced by DecodePublicKey.
func Verify(pubKeyBytes, message, signature []byte) (bool, error) {
	scheme := sr25519.Scheme{}
	kp, err := scheme.FromPublicKey(pubKeyBytes)
	if err != nil {
		return false, fmt.Errorf("sr25519: load public key: %w", err)
	}
	return kp.Verify(message, signature), nil
}

// VerifySS58 is the convenience entry point the secure envelope uses: decode
// the SS58 public key and hex signature, then verify over message.
func VerifySS58(ss58, sigHex string, message []byte) (bool, error) {
	pub, err := DecodePublicKey(ss58)
	if err != nil {
		return false, err
	}
	sig, err := DecodeSignature(sigHex)
	if err != nil {
		return false, err
	}
	return Verify(pub, message, sig)
}

// GeneratedKeypair is a freshly minted validator hotkey: the SS58 address to
// register with the coordinator and the hex-encoded seed the validator's own
// keystore must keep secret.
type GeneratedKeypair struct {
	SS58Address string
	SeedHex     string
}

// GenerateKeypair creates a new sr25519 keypair for provisioning a validator
// hotkey, the sr25519 analogue of sigtool's Ed25519 keygen.
func GenerateKeypair(network uint8) (*GeneratedKeypair, error) {
	scheme := sr25519.Scheme{}
	kp, err := scheme.Generate()
	if err != nil {
		return nil, fmt.Errorf("sr25519: generate keypair: %w", err)
	}
	return &GeneratedKeypair{
		SS58Address: kp.SS58Address(network),
		SeedHex:     hex.EncodeToString(kp.Seed()),
	}, nil
}
