// Package did resolves verification keys of decentralized identifiers through
// universal resolver endpoints.
package did

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidReference is returned for a verification method reference that is
// not of the form {did}#{fragment}.
var ErrInvalidReference = errors.New("invalid verification method reference")

// Reference is a verification method reference such as did:web:talao.co#key-2.
type Reference struct {
	DID      string
	Fragment string
}

// ParseReference splits ref into its DID and fragment parts.
func ParseReference(ref string) (Reference, error) {
	id, fragment, ok := strings.Cut(strings.TrimSpace(ref), "#")
	if !ok || fragment == "" || !strings.HasPrefix(id, "did:") || strings.Count(id, ":") < 2 {
		return Reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	return Reference{DID: id, Fragment: fragment}, nil
}

func (r Reference) String() string {
	return r.DID + "#" + r.Fragment
}

// Matches reports whether a verification method id designates this
// reference, either in full or as a relative "#fragment".
func (r Reference) Matches(methodID string) bool {
	return methodID == r.String() || methodID == "#"+r.Fragment
}
