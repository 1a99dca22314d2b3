package oautherr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, Request("x").Status())
	assert.Equal(t, http.StatusBadRequest, Client("x").Status())
	assert.Equal(t, http.StatusBadRequest, New(InvalidGrant, "x").Status())
	assert.Equal(t, http.StatusInternalServerError, Server("x", nil).Status())
}

func TestFrom(t *testing.T) {
	cause := errors.New("db down")
	wrapped := fmt.Errorf("handler: %w", Client("unknown issuer"))

	assert.Equal(t, InvalidClient, From(wrapped).Code)

	plain := From(cause)
	assert.Equal(t, ServerError, plain.Code)
	assert.ErrorIs(t, plain, cause)
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "invalid_request: Nonce incorrect", Request("Nonce incorrect").Error())
	assert.Contains(t, Wrap(InvalidClient, "bad", errors.New("cause")).Error(), "cause")
}
