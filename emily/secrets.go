package emily

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2Params are the argon2id cost settings for new password hashes.
// Verification reads the settings back out of the stored hash.
type argon2Params struct {
	memory  uint32
	time    uint32
	threads uint8
	keyLen  uint32
	saltLen int
}

var adminPasswordParams = argon2Params{
	memory:  64 * 1024,
	time:    1,
	threads: 4,
	keyLen:  32,
	saltLen: 16,
}

var errMalformedHash = errors.New("malformed password hash")

var b64 = base64.RawStdEncoding

// HashPassword hashes an admin password with argon2id, returning it in
// the PHC string format: $argon2id$v=19$m=..,t=..,p=..$<salt>$<hash>
func HashPassword(password string) (string, error) {
	p := adminPasswordParams
	salt := make([]byte, p.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.memory, p.time, p.threads,
		b64.EncodeToString(salt),
		b64.EncodeToString(key),
	), nil
}

// VerifyPassword reports whether password matches a hash produced by
// HashPassword. An error means the stored hash couldn't be parsed.
func VerifyPassword(storedHash, password string) (bool, error) {
	fields := strings.Split(storedHash, "$")
	if len(fields) != 6 || fields[1] != "argon2id" {
		return false, errMalformedHash
	}

	var p argon2Params
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return false, fmt.Errorf("%w: %w", errMalformedHash, err)
	}
	salt, err := b64.DecodeString(fields[4])
	if err != nil {
		return false, fmt.Errorf("%w: bad salt", errMalformedHash)
	}
	want, err := b64.DecodeString(fields[5])
	if err != nil {
		return false, fmt.Errorf("%w: bad key", errMalformedHash)
	}
	if p.time == 0 || p.threads == 0 || len(want) == 0 {
		return false, errMalformedHash
	}

	got := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// derive64ByteKey stretches a configured secret into a session
// authentication key
func derive64ByteKey(secret string) []byte {
	sum := sha512.Sum512([]byte(secret))
	return sum[:]
}

// generateRandomHexString returns n random bytes, hex encoded
func generateRandomHexString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func tlsConfig(certfile, keyfile string, minVersion uint16) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certfile, keyfile)
	if err != nil {
		return nil, fmt.Errorf("error loading key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}, nil
}
