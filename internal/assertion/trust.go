// Package assertion verifies tokens presented by wallets.
// This file implements the list of trusted wallet providers.
package assertion

import (
	"strings"

	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/did"
)

// TrustList is the fixed set of wallet provider identities whose attestations
// are accepted. The zero value trusts nobody.
type TrustList struct {
	members map[string]struct{}
}

// NewTrustList builds a TrustList; blank entries are ignored.
func NewTrustList(identities ...string) TrustList {
	members := make(map[string]struct{}, len(identities))
	for _, id := range identities {
		if id = strings.TrimSpace(id); id != "" {
			members[id] = struct{}{}
		}
	}
	return TrustList{members: members}
}

// Contains reports whether identity is trusted.
func (l TrustList) Contains(identity string) bool {
	_, ok := l.members[identity]
	return ok
}

// Trusts reports whether an attestation claiming issuer and signed with the
// verification method kid comes from a trusted identity. The signing key must
// belong to the issuer's own DID.
func (l TrustList) Trusts(issuer, kid string) bool {
	if !l.Contains(issuer) {
		return false
	}
	ref, err := did.ParseReference(kid)
	return err == nil && ref.DID == issuer
}

// Members returns the trusted identities.
func (l TrustList) Members() []string {
	out := make([]string, 0, len(l.members))
	for id := range l.members {
		out = append(out, id)
	}
	return out
}
