package secret

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func isAlnum(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

func TestGenerate(t *testing.T) {
	seen := make(map[string]bool)
	lengths := make(map[int]bool)

	for i := 0; i < 200; i++ {
		code, err := Generate()
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if len(code) < MinLength || len(code) > MaxLength {
			t.Errorf("len(%q) = %d, want %d..%d", code, len(code), MinLength, MaxLength)
		}
		if !isAlnum(code) {
			t.Errorf("Generate() = %q, want alphanumeric", code)
		}
		seen[code] = true
		lengths[len(code)] = true
	}

	if len(seen) < 195 {
		t.Errorf("only %d distinct secrets out of 200", len(seen))
	}
	if len(lengths) < 2 {
		t.Errorf("expected varying lengths, got %v", lengths)
	}
}

func TestStoreAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "secret.complete.code")

	if err := Store(path, "abcDEF123"); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 0600", perm)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	code, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if code != "abcDEF123" {
		t.Errorf("Load() = %q, want abcDEF123", code)
	}
}

func TestLoad_TrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("  s3cretCode \r\n"), 0600); err != nil {
		t.Fatal(err)
	}

	code, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if code != "s3cretCode" {
		t.Errorf("Load() = %q, want s3cretCode", code)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load(missing) error = %v, want ErrNotFound", err)
	}

	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, []byte("\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(empty); !errors.Is(err, ErrEmpty) {
		t.Errorf("Load(empty) error = %v, want ErrEmpty", err)
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.complete.code")

	if Exists(path) {
		t.Fatal("Exists() = true before creation")
	}

	code, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if !created {
		t.Error("first LoadOrCreate() should create a secret")
	}
	if !Exists(path) {
		t.Error("Exists() = false after creation")
	}

	again, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if created {
		t.Error("second LoadOrCreate() should load the existing secret")
	}
	if again != code {
		t.Errorf("LoadOrCreate() = %q, want %q", again, code)
	}
}

func TestLoadOrCreate_EmptyFileIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatal(err)
	}

	if _, _, err := LoadOrCreate(path); !errors.Is(err, ErrEmpty) {
		t.Errorf("LoadOrCreate() error = %v, want ErrEmpty", err)
	}
}

func TestVerifier_Plain(t *testing.T) {
	v := NewVerifier("abc123XYZ", "")

	tests := []struct {
		provided string
		want     bool
	}{
		{"abc123XYZ", true},
		{"abc123xyz", false},
		{"abc123XY", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := v.Verify(tt.provided); got != tt.want {
			t.Errorf("Verify(%q) = %v, want %v", tt.provided, got, tt.want)
		}
	}
}

func TestVerifier_Unconfigured(t *testing.T) {
	v := NewVerifier("", "")
	if v.Configured() {
		t.Error("Configured() = true with no secret")
	}
	if v.Verify("anything") {
		t.Error("Verify() should fail with no secret")
	}
}

func TestVerifier_Bcrypt(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashedSecret1"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	// The hash takes precedence over the file secret.
	v := NewVerifier("fileSecret", string(hash))
	if !v.Configured() {
		t.Error("Configured() = false")
	}
	if !v.Verify("hashedSecret1") {
		t.Error("Verify() rejected the hashed secret")
	}
	if v.Verify("fileSecret") {
		t.Error("Verify() accepted the file secret while a hash is configured")
	}
}

func TestHashSecret(t *testing.T) {
	hash, err := HashSecret("roundTrip42")
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}
	if !NewVerifier("", hash).Verify("roundTrip42") {
		t.Error("hash does not verify")
	}
}
