package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"configuration", Configuration("assistant %s has no code", "a1"), http.StatusBadRequest},
		{"validation", Validation("missing parameters", "city"), http.StatusBadRequest},
		{"not found", NotFound("assistant not found"), http.StatusNotFound},
		{"inactive", State("assistant is inactive"), http.StatusForbidden},
		{"transport", Unavailable("search API", errors.New("dial tcp: refused")), http.StatusServiceUnavailable},
		{"protocol passthrough", Protocol("gateway", http.StatusTooManyRequests, "slow down"), http.StatusTooManyRequests},
		{"wrapped", fmt.Errorf("turn: %w", NotFound("x")), http.StatusNotFound},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}

func TestValidationListsMissing(t *testing.T) {
	err := Validation("missing required parameters", "checkin", "guests")
	assert.Equal(t, "missing required parameters: checkin, guests", PublicMessage(err))
	assert.True(t, Is(err, KindValidation))
}

func TestPublicMessageHidesInternals(t *testing.T) {
	err := Internal("decode", errors.New("unexpected EOF at byte 42"))
	assert.Equal(t, "internal server error", PublicMessage(err))
	assert.Equal(t, "internal server error", PublicMessage(errors.New("x")))
}

func TestUpstreamFailedIsGeneric500(t *testing.T) {
	err := UpstreamFailed("GPTunnel gateway", errors.New("connection reset"))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
	assert.Equal(t, "upstream error", PublicMessage(err))
}

func TestUnavailableNamesUpstream(t *testing.T) {
	err := Unavailable("search API", errors.New("timeout"))
	assert.Equal(t, "search API unavailable", PublicMessage(err))
	assert.Equal(t, KindUpstreamTransport, KindOf(err))
}

func TestProtocolExtractsUpstreamError(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{`{"error":"insufficient balance"}`, "gateway error: insufficient balance"},
		{`{"error":{"message":"model not found","code":404}}`, "gateway error: model not found"},
		{`{"message":"bad assistant code"}`, "gateway error: bad assistant code"},
		{"upstream exploded", "gateway error: upstream exploded"},
		{`{"detail":"x"}`, `gateway error: {"detail":"x"}`},
		{"", "gateway error: Bad Gateway"},
	}
	for _, tc := range cases {
		err := Protocol("gateway", http.StatusBadGateway, tc.body)
		assert.Equal(t, tc.want, PublicMessage(err), tc.body)
	}
}
