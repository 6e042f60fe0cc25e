package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer = "workexec-test"
	testUser   = "indexer"
)

var testSigningKey = []byte("test-signing-key")

func TestStaticProvider_AllowsListedPrincipal(t *testing.T) {
	p := NewStaticProvider(testUser)

	ctx, err := p.Login(context.Background(), Principal{Name: testUser, Group: "system"})
	require.NoError(t, err)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, testUser, got.Name)
	assert.Equal(t, "system", got.Group)
	assert.Equal(t, int64(1), p.Active())

	p.Logout(ctx)
	assert.Equal(t, int64(0), p.Active())
}

func TestStaticProvider_RejectsUnlistedPrincipal(t *testing.T) {
	p := NewStaticProvider(testUser)

	_, err := p.Login(context.Background(), Principal{Name: "intruder"})
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int64(0), p.Active())
}

func TestStaticProvider_RejectsEmptyName(t *testing.T) {
	p := NewStaticProvider()

	_, err := p.Login(context.Background(), Principal{})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestStaticProvider_EmptyAllowlistAcceptsAll(t *testing.T) {
	p := NewStaticProvider()

	_, err := p.Login(context.Background(), Principal{Name: "anyone"})
	assert.NoError(t, err)
}

func TestStaticProvider_LogoutWithoutLogin(t *testing.T) {
	p := NewStaticProvider()

	p.Logout(context.Background())
	assert.Equal(t, int64(0), p.Active())
}

func TestKeyring_LoginVerifiesSecret(t *testing.T) {
	k := NewKeyring()
	require.NoError(t, k.Add(testUser, "s3cret", "system"))

	ctx, err := k.Login(context.Background(), Principal{Name: testUser, Secret: "s3cret"})
	require.NoError(t, err)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, testUser, got.Name)
	assert.Equal(t, "system", got.Group, "default group should be applied")
	assert.Empty(t, got.Secret, "secret must not survive login")
}

func TestKeyring_RejectsWrongSecret(t *testing.T) {
	k := NewKeyring()
	require.NoError(t, k.Add(testUser, "s3cret", ""))

	_, err := k.Login(context.Background(), Principal{Name: testUser, Secret: "wrong"})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestKeyring_RejectsUnknownPrincipal(t *testing.T) {
	k := NewKeyring()

	_, err := k.Login(context.Background(), Principal{Name: "ghost", Secret: "x"})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestKeyring_RemovedPrincipalRejected(t *testing.T) {
	k := NewKeyring()
	require.NoError(t, k.Add(testUser, "s3cret", ""))
	k.Remove(testUser)

	_, err := k.Login(context.Background(), Principal{Name: testUser, Secret: "s3cret"})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testSigningKey)
	require.NoError(t, err)
	return signed
}

func newTokenProvider(t *testing.T) *TokenProvider {
	t.Helper()
	p, err := NewTokenProvider(TokenConfig{Issuer: testIssuer, SigningKey: testSigningKey})
	require.NoError(t, err)
	return p
}

func TestTokenProvider_ValidToken(t *testing.T) {
	p := newTokenProvider(t)
	token := signedToken(t, jwt.MapClaims{
		"iss":   testIssuer,
		"sub":   testUser,
		"group": "system",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	ctx, err := p.Login(context.Background(), Principal{Secret: token})
	require.NoError(t, err)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, testUser, got.Name)
	assert.Equal(t, "system", got.Group)
	assert.Empty(t, got.Secret)
}

func TestTokenProvider_RejectsWrongIssuer(t *testing.T) {
	p := newTokenProvider(t)
	token := signedToken(t, jwt.MapClaims{
		"iss": "someone-else",
		"sub": testUser,
	})

	_, err := p.Login(context.Background(), Principal{Secret: token})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestTokenProvider_RejectsSubjectMismatch(t *testing.T) {
	p := newTokenProvider(t)
	token := signedToken(t, jwt.MapClaims{
		"iss": testIssuer,
		"sub": testUser,
	})

	_, err := p.Login(context.Background(), Principal{Name: "other", Secret: token})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestTokenProvider_RejectsMissingToken(t *testing.T) {
	p := newTokenProvider(t)

	_, err := p.Login(context.Background(), Principal{Name: testUser})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestTokenProvider_RequiresIssuerAndKey(t *testing.T) {
	_, err := NewTokenProvider(TokenConfig{SigningKey: testSigningKey})
	assert.Error(t, err)

	_, err = NewTokenProvider(TokenConfig{Issuer: testIssuer})
	assert.Error(t, err)
}
