package grant

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueVerifyRoundtrip(t *testing.T) {
	issuer := NewIssuer("test-secret")

	token, _, err := issuer.Issue("obj-1", ActionUpload, "user-42", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "obj-1", claims.ObjectID)
	assert.Equal(t, ActionUpload, claims.Action)
	assert.Equal(t, "user-42", claims.Subject)
}

func TestIssueRejectsBadInput(t *testing.T) {
	issuer := NewIssuer("test-secret")

	_, _, err := issuer.Issue("", ActionUpload, "user-42", time.Minute)
	assert.ErrorIs(t, err, ErrInvalid)

	_, _, err = issuer.Issue("obj-1", Action("DESTROY"), "user-42", time.Minute)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyExpiryIsExact(t *testing.T) {
	issuer := NewIssuer("test-secret")
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ttl := 5 * time.Minute

	issuer.now = func() time.Time { return issued }
	token, expiresAt, err := issuer.Issue("obj-1", ActionDownload, "user-42", ttl)
	require.NoError(t, err)
	assert.Equal(t, issued.Add(ttl), expiresAt, "advertised expiry must equal the token's exp")

	// One second before expiry: valid.
	issuer.now = func() time.Time { return issued.Add(ttl - time.Second) }
	_, err = issuer.Verify(token)
	assert.NoError(t, err)

	// One second after expiry: ErrExpired, nothing else.
	issuer.now = func() time.Time { return issued.Add(ttl + time.Second) }
	_, err = issuer.Verify(token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyFailsClosed(t *testing.T) {
	issuer := NewIssuer("test-secret")
	token, _, err := issuer.Issue("obj-1", ActionUpload, "user-42", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"tampered payload", token[:len(token)-4] + "AAAA"},
		{"truncated", token[:len(token)/2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := issuer.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	token, _, err := NewIssuer("secret-a").Issue("obj-1", ActionUpload, "user-42", time.Minute)
	require.NoError(t, err)

	_, err = NewIssuer("secret-b").Verify(token)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestGrantIsReusableUntilExpiry(t *testing.T) {
	issuer := NewIssuer("test-secret")
	token, _, err := issuer.Issue("obj-1", ActionDownload, "user-42", time.Minute)
	require.NoError(t, err)

	// Grants are not single-use: repeated verification succeeds until expiry.
	for i := 0; i < 3; i++ {
		claims, err := issuer.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, "obj-1", claims.ObjectID)
	}
}
