package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	salt, err := LoadOrCreateSalt(t.TempDir())
	require.NoError(t, err)
	store, err := New("test-passphrase", salt)
	require.NoError(t, err)
	return store
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	store := newTestStore(t)

	token, err := store.Encrypt("hunter2")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(token, tokenPrefix))
	require.NotContains(t, token, "hunter2")

	plain, err := store.Decrypt(token)
	require.NoError(t, err)
	require.Equal(t, "hunter2", plain)
}

func TestEncryptEmptyStringPassesThrough(t *testing.T) {
	store := newTestStore(t)

	token, err := store.Encrypt("")
	require.NoError(t, err)
	require.Equal(t, "", token)

	plain, err := store.Decrypt("")
	require.NoError(t, err)
	require.Equal(t, "", plain)
}

func TestDecryptRejectsTamperedToken(t *testing.T) {
	store := newTestStore(t)

	token, err := store.Encrypt("topsecret")
	require.NoError(t, err)

	// Flip one character in the ciphertext body.
	body := []byte(token)
	last := len(body) - 1
	if body[last] == 'A' {
		body[last] = 'B'
	} else {
		body[last] = 'A'
	}

	_, err = store.Decrypt(string(body))
	require.Error(t, err)
}

func TestDecryptRejectsPlaintext(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Decrypt("not-a-token")
	require.ErrorIs(t, err, ErrNotToken)
}

func TestSaltPersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateSalt(dir)
	require.NoError(t, err)
	second, err := LoadOrCreateSalt(dir)
	require.NoError(t, err)
	require.Equal(t, first, second)

	// Same passphrase and salt must yield interoperable stores.
	a, err := New("p", first)
	require.NoError(t, err)
	b, err := New("p", second)
	require.NoError(t, err)

	token, err := a.Encrypt("shared")
	require.NoError(t, err)
	plain, err := b.Decrypt(token)
	require.NoError(t, err)
	require.Equal(t, "shared", plain)
}

func TestEncryptParamsOnlyTouchesCredentialFields(t *testing.T) {
	store := newTestStore(t)

	params := map[string]any{
		"repo_path":         "/var/backups",
		"password":          "pw",
		"aws_access_key_id": "AKIA123",
		"paths":             []any{"/etc"},
	}
	require.NoError(t, store.EncryptParams(params))

	require.Equal(t, "/var/backups", params["repo_path"])
	require.True(t, strings.HasPrefix(params["password"].(string), tokenPrefix))
	require.True(t, strings.HasPrefix(params["aws_access_key_id"].(string), tokenPrefix))

	// Decrypt restores the originals.
	require.NoError(t, store.DecryptParams(params))
	require.Equal(t, "pw", params["password"])
	require.Equal(t, "AKIA123", params["aws_access_key_id"])
}

func TestEncryptParamsIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	params := map[string]any{"password": "pw"}
	require.NoError(t, store.EncryptParams(params))
	once := params["password"].(string)

	require.NoError(t, store.EncryptParams(params))
	require.Equal(t, once, params["password"])
}

func TestNormalizeSortsKeysRecursively(t *testing.T) {
	a := map[string]any{
		"b": 1,
		"a": map[string]any{"z": true, "y": "x"},
		"c": []any{"first", "second"},
	}
	b := map[string]any{
		"c": []any{"first", "second"},
		"a": map[string]any{"y": "x", "z": true},
		"b": 1,
	}

	na, err := Normalize(a)
	require.NoError(t, err)
	nb, err := Normalize(b)
	require.NoError(t, err)
	require.Equal(t, na, nb)
	require.Equal(t, `{"a":{"y":"x","z":true},"b":1,"c":["first","second"]}`, na)
}

func TestNormalizePreservesArrayOrder(t *testing.T) {
	na, err := Normalize(map[string]any{"paths": []any{"/b", "/a"}})
	require.NoError(t, err)
	nb, err := Normalize(map[string]any{"paths": []any{"/a", "/b"}})
	require.NoError(t, err)
	require.NotEqual(t, na, nb)
}
