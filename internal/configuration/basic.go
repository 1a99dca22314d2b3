// Package configuration implements /configuration and /update.
// This file parses the HTTP Basic credentials of enterprise users.
package configuration

import (
	"encoding/base64"
	"errors"
	"strings"
)

var errBasicAuth = errors.New("basic authentication missing or incorrect")

// Credentials are the wallet user's login, taken from HTTP Basic auth.
type Credentials struct {
	Email    string
	Password string
}

// ParseBasic decodes an Authorization header of the form "Basic <b64>".
// Wallets in the field send either base64 alphabet, with or without padding.
func ParseBasic(header string) (Credentials, error) {
	fields := strings.Fields(header)
	if len(fields) != 2 || !strings.EqualFold(fields[0], "basic") {
		return Credentials{}, errBasicAuth
	}
	payload := strings.TrimRight(fields[1], "=")

	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.RawStdEncoding} {
		if raw, err = enc.DecodeString(payload); err == nil {
			break
		}
	}
	if err != nil {
		return Credentials{}, errBasicAuth
	}

	email, password, ok := strings.Cut(string(raw), ":")
	if !ok || email == "" {
		return Credentials{}, errBasicAuth
	}
	return Credentials{Email: email, Password: password}, nil
}
