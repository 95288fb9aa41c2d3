package database

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrPasswordHash is wrapped into every failure to read a stored hash.
var ErrPasswordHash = errors.New("unusable password hash")

// PasswordParams are the argon2id cost settings of an account hash.
type PasswordParams struct {
	Memory  uint32 // KiB
	Time    uint32
	Threads uint8
}

// AccountPasswordParams is what new account hashes use. Every INVITE in
// accounts mode verifies one hash, so the cost sits at the OWASP floor for
// argon2id rather than the interactive-login setting.
var AccountPasswordParams = PasswordParams{Memory: 19 * 1024, Time: 2, Threads: 1}

// maxPasswordParams caps what a stored hash may ask for. A row written by
// hand with a huge memory cost would otherwise stall the call path.
var maxPasswordParams = PasswordParams{Memory: 256 * 1024, Time: 10, Threads: 16}

const (
	passwordKeyLen  = 32
	passwordSaltLen = 16
)

// HashPassword hashes an account password with AccountPasswordParams.
func HashPassword(password string) (string, error) {
	return hashPassword(password, AccountPasswordParams)
}

func hashPassword(password string, p PasswordParams) (string, error) {
	salt := make([]byte, passwordSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	h := passwordHash{params: p, salt: salt}
	h.key = argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, passwordKeyLen)
	return h.String(), nil
}

// PasswordCheck is the outcome of VerifyPassword.
type PasswordCheck struct {
	Match bool
	// Rehash is set on a match whose stored cost differs from
	// AccountPasswordParams; the caller should store a fresh hash.
	Rehash bool
}

// VerifyPassword checks a password offered by a caller against an account's
// stored hash.
func VerifyPassword(password, encoded string) (PasswordCheck, error) {
	h, err := parsePasswordHash(encoded)
	if err != nil {
		return PasswordCheck{}, err
	}
	computed := argon2.IDKey([]byte(password), h.salt, h.params.Time, h.params.Memory, h.params.Threads, uint32(len(h.key)))
	if subtle.ConstantTimeCompare(h.key, computed) != 1 {
		return PasswordCheck{}, nil
	}
	return PasswordCheck{
		Match:  true,
		Rehash: h.params != AccountPasswordParams || len(h.key) != passwordKeyLen,
	}, nil
}

// passwordHash is the PHC string form:
//
//	$argon2id$v=19$m=19456,t=2,p=1$<salt>$<key>
type passwordHash struct {
	params PasswordParams
	salt   []byte
	key    []byte
}

func (h passwordHash) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory, h.params.Time, h.params.Threads,
		base64.RawStdEncoding.EncodeToString(h.salt),
		base64.RawStdEncoding.EncodeToString(h.key),
	)
}

func parsePasswordHash(encoded string) (passwordHash, error) {
	var h passwordHash
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" {
		return h, fmt.Errorf("%w: want 5 $-separated fields", ErrPasswordHash)
	}
	if fields[1] != "argon2id" {
		return h, fmt.Errorf("%w: algorithm %q", ErrPasswordHash, fields[1])
	}
	if fields[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return h, fmt.Errorf("%w: version %q", ErrPasswordHash, fields[2])
	}

	p := &h.params
	if n, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil || n != 3 {
		return h, fmt.Errorf("%w: cost %q", ErrPasswordHash, fields[3])
	}
	if p.Memory == 0 || p.Time == 0 || p.Threads == 0 ||
		p.Memory > maxPasswordParams.Memory || p.Time > maxPasswordParams.Time || p.Threads > maxPasswordParams.Threads {
		return h, fmt.Errorf("%w: cost %q out of range", ErrPasswordHash, fields[3])
	}

	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(fields[4]); err != nil || len(h.salt) == 0 {
		return h, fmt.Errorf("%w: salt", ErrPasswordHash)
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(fields[5]); err != nil || len(h.key) < 16 {
		return h, fmt.Errorf("%w: key", ErrPasswordHash)
	}
	return h, nil
}
