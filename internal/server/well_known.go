// Package server contains HTTP handlers for the wallet provider.
// This file implements the well-known DID document endpoint.
package server

import (
	"net/http"

	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/model"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/oautherr"
)

// wellKnownHandler serves the provider's did:web document, publishing the
// service key so attestations and configurations can be checked by anyone
// resolving the provider DID.
func (h *Handler) wellKnownHandler(w http.ResponseWriter, r *http.Request) {
	key := h.svc.ServiceKey
	jwk, err := key.PublicJWK()
	if err != nil {
		h.writeOAuthError(w, r, oautherr.Server("service key unavailable", err))
		return
	}

	doc := model.DIDDocument{
		Context: []string{"https://www.w3.org/ns/did/v1", "https://w3id.org/security/suites/jws-2020/v1"},
		ID:      key.Issuer,
		VerificationMethod: []model.VerificationMethod{{
			ID:           key.KeyID,
			Type:         "JsonWebKey2020",
			Controller:   key.Issuer,
			PublicKeyJwk: jwk,
		}},
		AssertionMethod: []string{key.KeyID},
		Authentication:  []string{key.KeyID},
	}
	h.writeJSON(w, r, http.StatusOK, doc)
}
