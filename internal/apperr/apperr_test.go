package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesKindAndCode(t *testing.T) {
	err := Conflict(CodeAlreadyFunded, "milestone already funded")
	wrapped := fmt.Errorf("delete milestone: %w", err)

	assert.True(t, errors.Is(wrapped, ErrConflict))
	assert.True(t, errors.Is(wrapped, &Error{Code: CodeAlreadyFunded}))
	assert.False(t, errors.Is(wrapped, ErrValidation))
	assert.False(t, errors.Is(wrapped, &Error{Code: CodeNotHeld}))
}

func TestInvalidTransitionDetails(t *testing.T) {
	err := InvalidTransition("pending", "completed", "employer")

	var ae *Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, CodeInvalidTransition, ae.Code)
	assert.Equal(t, KindConflict, ae.Kind)
	assert.Equal(t, "pending", ae.Details["from"])
	assert.Equal(t, "completed", ae.Details["to"])
	assert.Equal(t, "employer", ae.Details["role"])
	assert.Contains(t, ae.Message, "employer cannot change status from pending to completed")
	assert.Equal(t, 400, ae.HTTPStatus())
	assert.Equal(t, 409, Conflict(CodeAlreadyFunded, "funded").HTTPStatus())
}

func TestKindHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:          http.StatusBadRequest,
		KindUnauthenticated:     http.StatusUnauthorized,
		KindAuthorization:       http.StatusForbidden,
		KindNotFound:            http.StatusNotFound,
		KindConflict:            http.StatusConflict,
		KindLedgerInconsistency: http.StatusInternalServerError,
		KindDownstream:          http.StatusServiceUnavailable,
		KindInternal:            http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.HTTPStatus(), kind.String())
	}
}

func TestFromWrapsForeignErrors(t *testing.T) {
	assert.Nil(t, From(nil))

	plain := errors.New("boom")
	got := From(plain)
	assert.Equal(t, KindInternal, got.Kind)
	assert.ErrorIs(t, got, plain)

	dn := Downstream(plain)
	assert.True(t, Retryable(fmt.Errorf("outer: %w", dn)))
	assert.False(t, Retryable(Validation("", "bad")))
}

func TestWithDetailDoesNotMutateOriginal(t *testing.T) {
	base := Validation("", "bad amount")
	withField := base.WithDetail("field", "amount")

	assert.Nil(t, base.Details)
	assert.Equal(t, "amount", withField.Details["field"])
}
