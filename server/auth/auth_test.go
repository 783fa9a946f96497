package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignAndValidate(t *testing.T) {
	signer := NewSigner("secret")
	identity := &Identity{Platform: "telegram", ExternalID: "user-42", Scopes: []string{ScopeManageUserInfo}}

	token, err := signer.Sign(identity)
	require.NoError(t, err)

	got, err := signer.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "telegram", got.Platform)
	require.Equal(t, "user-42", got.ExternalID)
	require.True(t, got.HasScope(ScopeManageUserInfo))
	require.False(t, got.HasScope("SomethingElse"))
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := NewSigner("secret").Sign(&Identity{Platform: "telegram", ExternalID: "user-42"})
	require.NoError(t, err)

	_, err = NewSigner("other").Validate(token)
	require.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issued := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	signer := NewSigner("secret").WithClock(func() time.Time { return issued })

	token, err := signer.Sign(&Identity{Platform: "telegram", ExternalID: "user-42"})
	require.NoError(t, err)

	signer.WithClock(func() time.Time { return issued.Add(tokenLifetime + time.Minute) })
	_, err = signer.Validate(token)
	require.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	_, err := NewSigner("secret").Validate("not-a-token")
	require.Error(t, err)
}

func TestSignRequiresSecret(t *testing.T) {
	_, err := NewSigner("").Sign(&Identity{ExternalID: "user-42"})
	require.Error(t, err)
}
