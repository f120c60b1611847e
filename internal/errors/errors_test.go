package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategorizeWrapped(t *testing.T) {
	base := NewAlreadyClaimedError("GIFT-AAAA1111")
	wrapped := fmt.Errorf("claim failed: %w", base)

	cat := Categorize(wrapped)
	require.NotNil(t, cat)
	assert.Equal(t, CodeAlreadyClaimed, cat.Code)
	assert.Equal(t, http.StatusConflict, GetHTTPStatusCode(wrapped))
	assert.True(t, HasCode(wrapped, CodeAlreadyClaimed))
	assert.True(t, IsCategory(wrapped, CategoryConflict))
}

func TestCategorizeUnknown(t *testing.T) {
	cat := Categorize(fmt.Errorf("boom"))
	assert.Equal(t, CodeInternal, cat.Code)
	assert.Equal(t, http.StatusInternalServerError, cat.StatusCode)
	assert.Nil(t, Categorize(nil))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", NewNetworkError("BalanceAt", fmt.Errorf("timeout")), true},
		{"database", NewDatabaseError("update gift", fmt.Errorf("conn reset")), true},
		{"no wallet", NewNoWalletAvailableError(), true},
		{"validation", NewValidationError("unlockDate", "is required"), false},
		{"contract", NewContractError("lock", "0xabc", fmt.Errorf("reverted")), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestUserErrors(t *testing.T) {
	assert.True(t, IsUserError(NewPaymentPendingError("GIFT-AAAA1111")))
	assert.True(t, IsUserError(NewNotFoundError("gift", "GIFT-AAAA1111")))
	assert.False(t, IsUserError(NewNetworkError("SendTransaction", nil)))
	assert.Contains(t, NewPaymentPendingError("x").Error(), "payment pending")
}
