package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/core/internal/corerr"
)

func TestIssueAndResolverIDRoundTrip(t *testing.T) {
	auth := NewResolverAuth([]byte("test-secret"), time.Hour)

	token, err := auth.Issue("operator-1", "alice@example.com", "Alice")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	id, err := auth.ResolverID(token)
	require.NoError(t, err)
	require.Equal(t, "operator-1", id)
}

func TestResolverIDRejectsTokenSignedWithDifferentSecret(t *testing.T) {
	issuer := NewResolverAuth([]byte("secret-a"), time.Hour)
	verifier := NewResolverAuth([]byte("secret-b"), time.Hour)

	token, err := issuer.Issue("operator-1", "", "")
	require.NoError(t, err)

	_, err = verifier.ResolverID(token)
	require.Error(t, err)
	require.True(t, corerr.HasCode(err, corerr.CodeValidation))
}

func TestIssueRejectsEmptyOperatorID(t *testing.T) {
	auth := NewResolverAuth([]byte("test-secret"), time.Hour)
	_, err := auth.Issue("", "", "")
	require.Error(t, err)
	require.True(t, corerr.HasCode(err, corerr.CodeValidation))
}

func TestResolverAuthWithoutSecretFailsLoudly(t *testing.T) {
	auth := NewResolverAuth(nil, 0)
	_, err := auth.Issue("operator-1", "", "")
	require.Error(t, err)
	require.True(t, corerr.HasCode(err, corerr.CodeConfigError))
}
