package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/core/internal/ids"
)

func testKey() []byte {
	// 32 bytes of deterministic non-zero filler.
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func TestSetGetRoundTrip(t *testing.T) {
	store, err := New(testKey())
	require.NoError(t, err)

	project := ids.NewProjectId()
	_, err = store.Set(project, "API", "tvly-123")
	require.NoError(t, err)

	got, err := store.Get(project, "API")
	require.NoError(t, err)
	require.Equal(t, "tvly-123", got)
}

func TestGetFailsOnTamperedCiphertext(t *testing.T) {
	store, err := New(testKey())
	require.NoError(t, err)

	project := ids.NewProjectId()
	rec, err := store.Set(project, "API", "tvly-123")
	require.NoError(t, err)

	// Flip one hex nibble of the ciphertext; decrypt must now fail.
	tampered := []byte(rec.EncryptedValue)
	if tampered[0] == 'a' {
		tampered[0] = 'b'
	} else {
		tampered[0] = 'a'
	}
	rec.EncryptedValue = string(tampered)

	store.mu.Lock()
	store.secrets[project]["API"] = rec
	store.mu.Unlock()

	_, err = store.Get(project, "API")
	require.Error(t, err)
}

func TestGetFailsOnTamperedAuthTag(t *testing.T) {
	store, err := New(testKey())
	require.NoError(t, err)

	project := ids.NewProjectId()
	rec, err := store.Set(project, "API", "tvly-123")
	require.NoError(t, err)

	tampered := []byte(rec.AuthTag)
	tampered[0] ^= 0x0f
	// Map back to a valid hex nibble if it became invalid.
	if tampered[0] > 'f' {
		tampered[0] = 'a'
	}
	rec.AuthTag = string(tampered)

	store.mu.Lock()
	store.secrets[project]["API"] = rec
	store.mu.Unlock()

	_, err = store.Get(project, "API")
	require.Error(t, err)
}

func TestTwoEncryptionsProduceDifferentCiphertext(t *testing.T) {
	store, err := New(testKey())
	require.NoError(t, err)

	project := ids.NewProjectId()
	first, err := store.Set(project, "API", "same-plaintext")
	require.NoError(t, err)
	second, err := store.Set(project, "API", "same-plaintext")
	require.NoError(t, err)

	require.NotEqual(t, first.EncryptedValue, second.EncryptedValue)
	require.NotEqual(t, first.IV, second.IV)

	got, err := store.Get(project, "API")
	require.NoError(t, err)
	require.Equal(t, "same-plaintext", got)
}

func TestListReturnsMetadataOnly(t *testing.T) {
	store, err := New(testKey())
	require.NoError(t, err)

	project := ids.NewProjectId()
	_, err = store.Set(project, "TAVILY_API_KEY", "secret-value")
	require.NoError(t, err)

	metas := store.List(project)
	require.Len(t, metas, 1)
	require.Equal(t, "TAVILY_API_KEY", metas[0].Key)

	for _, m := range metas {
		require.NotContains(t, strings.ToLower(m.Description), "secret-value")
	}
}

func TestDeleteMissingReturnsFalseNotError(t *testing.T) {
	store, err := New(testKey())
	require.NoError(t, err)

	project := ids.NewProjectId()
	require.False(t, store.Delete(project, "NOPE"))
}

func TestValidateKey(t *testing.T) {
	require.NoError(t, ValidateKey("API_KEY"))
	require.Error(t, ValidateKey("api_key"))
	require.Error(t, ValidateKey(""))
	require.Error(t, ValidateKey(strings.Repeat("A", 129)))
}

func TestLoadMasterKey(t *testing.T) {
	_, err := LoadMasterKey("")
	require.ErrorIs(t, err, ErrMissingKey)

	_, err = LoadMasterKey("not-hex")
	require.Error(t, err)

	valid := strings.Repeat("ab", 32)
	key, err := LoadMasterKey(valid)
	require.NoError(t, err)
	require.Len(t, key, 32)
}
