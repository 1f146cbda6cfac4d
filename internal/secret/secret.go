// Package secret manages the shared secret agents present when they register.
package secret

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// MinLength and MaxLength bound the length of generated secrets.
	MinLength = 9
	MaxLength = 12

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	// ErrNotFound is returned when the secret file does not exist.
	ErrNotFound = errors.New("secret file not found")

	// ErrEmpty is returned when the secret file exists but holds no secret.
	ErrEmpty = errors.New("secret file is empty")
)

// Generate returns a random alphanumeric secret of MinLength to MaxLength
// characters using crypto/rand.
func Generate() (string, error) {
	n, err := randInt(MaxLength - MinLength + 1)
	if err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	length := MinLength + n

	var sb strings.Builder
	sb.Grow(length)
	for i := 0; i < length; i++ {
		idx, err := randInt(len(alphabet))
		if err != nil {
			return "", fmt.Errorf("failed to generate secret: %w", err)
		}
		sb.WriteByte(alphabet[idx])
	}
	return sb.String(), nil
}

func randInt(max int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// Load reads and trims the secret stored at path.
func Load(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("failed to read secret: %w", err)
	}

	code := strings.TrimSpace(string(data))
	if code == "" {
		return "", fmt.Errorf("%w: %s", ErrEmpty, path)
	}
	return code, nil
}

// Store writes the secret to path with 0600 permissions.
func Store(path, code string) error {
	if code == "" {
		return errors.New("cannot store empty secret")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create secret directory: %w", err)
	}

	// Write atomically by writing to temp file first
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, []byte(code+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write secret: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist secret: %w", err)
	}

	return nil
}

// Exists reports whether a secret file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// LoadOrCreate loads the secret at path, or generates and persists a new
// one if none exists. The boolean reports whether a secret was created.
func LoadOrCreate(path string) (string, bool, error) {
	code, err := Load(path)
	if err == nil {
		return code, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", false, err
	}

	code, err = Generate()
	if err != nil {
		return "", false, err
	}
	if err := Store(path, code); err != nil {
		return "", false, err
	}

	return code, true, nil
}

// Verifier checks a presented secret against the configured one.
type Verifier struct {
	code string
	hash []byte
}

// NewVerifier returns a Verifier. When hash is set the presented secret is
// checked with bcrypt and code is ignored.
func NewVerifier(code, hash string) Verifier {
	v := Verifier{code: code}
	if hash != "" {
		v.hash = []byte(hash)
	}
	return v
}

// Configured reports whether any secret is available to check against.
func (v Verifier) Configured() bool {
	return v.code != "" || len(v.hash) > 0
}

// Verify reports whether provided matches the configured secret.
func (v Verifier) Verify(provided string) bool {
	if provided == "" {
		return false
	}
	if len(v.hash) > 0 {
		return bcrypt.CompareHashAndPassword(v.hash, []byte(provided)) == nil
	}
	if v.code == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(v.code), []byte(provided)) == 1
}

// HashSecret returns a bcrypt hash suitable for auth.secret_hash.
func HashSecret(code string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}
