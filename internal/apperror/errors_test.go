package apperror

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapNilIsNilInterface(t *testing.T) {
	// The success path of every repository method funnels through Wrap;
	// a nil input must come back as a true nil error interface, not a
	// typed nil hiding inside it.
	var err error = Wrap(nil, CodeInternal, "failed to create booking")
	require.NoError(t, err)
	assert.Nil(t, err)
	assert.True(t, err == nil)
}

func TestWrapCarriesCodeAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(cause, CodeInternal, "failed to list bookings")
	require.Error(t, err)

	assert.Equal(t, CodeInternal, CodeOf(err))
	assert.True(t, Is(err, CodeInternal))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed to list bookings")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestCodeOfForeignError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeConflict, http.StatusConflict},
		{CodeConcurrency, http.StatusConflict},
		{CodeQuotaExceeded, http.StatusForbidden},
		{CodeApprovalRequired, http.StatusAccepted},
		{CodeNotFound, http.StatusNotFound},
		{CodeUnauthorized, http.StatusForbidden},
		{CodeConfiguration, http.StatusUnprocessableEntity},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(New(tc.code, "x")), string(tc.code))
	}
}

func TestInvalidInputDetails(t *testing.T) {
	err := InvalidInput("start_time", "must be in the future")
	assert.Equal(t, CodeValidation, err.Code)
	assert.Equal(t, "start_time", err.Details["field"])
}
