// Package did resolves verification keys of decentralized identifiers.
// This file converts verification methods into public keys.
package did

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multibase"

	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/jose"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/model"
)

// multicodec prefixes of the public key types found in publicKeyMultibase.
var (
	codecEd25519 = []byte{0xed, 0x01}
	codecP256    = []byte{0x80, 0x24}
)

var errNoKeyMaterial = errors.New("verification method carries no supported key material")

// PublicKey extracts the public key of a verification method. publicKeyJwk
// wins over the encoded string forms.
func PublicKey(vm model.VerificationMethod) (crypto.PublicKey, error) {
	switch {
	case len(vm.PublicKeyJwk) > 0:
		return jose.PublicKeyFromJWK(vm.PublicKeyJwk)
	case vm.PublicKeyBase58 != "":
		raw, err := base58.Decode(vm.PublicKeyBase58)
		if err != nil {
			return nil, fmt.Errorf("decode publicKeyBase58: %w", err)
		}
		return rawPublicKey(raw)
	case vm.PublicKeyMultibase != "":
		_, raw, err := multibase.Decode(vm.PublicKeyMultibase)
		if err != nil {
			return nil, fmt.Errorf("decode publicKeyMultibase: %w", err)
		}
		switch {
		case bytes.HasPrefix(raw, codecEd25519):
			raw = raw[len(codecEd25519):]
		case bytes.HasPrefix(raw, codecP256):
			raw = raw[len(codecP256):]
		}
		return rawPublicKey(raw)
	}
	return nil, errNoKeyMaterial
}

// rawPublicKey interprets an undecorated key by its length: 32 bytes is
// Ed25519, 33 bytes a compressed P-256 point.
func rawPublicKey(raw []byte) (crypto.PublicKey, error) {
	switch len(raw) {
	case ed25519.PublicKeySize:
		return ed25519.PublicKey(raw), nil
	case 33:
		x, y := elliptic.UnmarshalCompressed(elliptic.P256(), raw)
		if x == nil {
			return nil, errors.New("invalid compressed P-256 point")
		}
		return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
	}
	return nil, fmt.Errorf("unsupported raw key length %d", len(raw))
}
