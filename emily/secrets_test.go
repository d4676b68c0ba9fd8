package emily

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword(t *testing.T) {
	t.Parallel()
	for _, password := range []string{
		"hunter2hunter2",
		"C0mpl3x!P@ssw0rd",
		"",
		"пароль123",
		strings.Repeat("a", 1000),
	} {
		hash, err := HashPassword(password)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=1,p=4$"))

		ok, err := VerifyPassword(hash, password)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = VerifyPassword(hash, password+"x")
		require.NoError(t, err)
		assert.False(t, ok)
	}

	first, err := HashPassword("same")
	require.NoError(t, err)
	second, err := HashPassword("same")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestVerifyPassword_Malformed(t *testing.T) {
	for _, hash := range []string{
		"not a valid hash",
		"$bcrypt$v=19$m=65536,t=1,p=4$c29tZXNhbHQ$c29tZWhhc2g",
		"$argon2id$v=19$m=65536,t=1,p=4$invalidbase64!$invalidbase64!",
		"$argon2id$v=19$m=invalid,t=1,p=4$c29tZXNhbHQ$c29tZWhhc2g",
		"$argon2id$v=19$m=65536,t=1,p=0$c29tZXNhbHQ$c29tZWhhc2g",
	} {
		_, err := VerifyPassword(hash, "anypassword")
		assert.ErrorIs(t, err, errMalformedHash, hash)
	}
}

func TestGenerateRandomHexString(t *testing.T) {
	s, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.Len(t, s, 32)
	assert.Len(t, derive64ByteKey("secret"), 64)
}

func TestTLSConfig_MissingFiles(t *testing.T) {
	_, err := tlsConfig(t.TempDir()+"/cert.pem", t.TempDir()+"/key.pem", 0)
	assert.Error(t, err)
}

func BenchmarkVerifyPassword(b *testing.B) {
	hash, err := HashPassword("benchmark_password")
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := VerifyPassword(hash, "benchmark_password"); err != nil {
			b.Fatal(err)
		}
	}
}
