package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const tokenLength = 32

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateToken creates a random 32-character alphanumeric token
// and writes it to dataDir/token with permissions 0600.
func GenerateToken(dataDir string) (string, error) {
	token, err := randomAlphanumeric(tokenLength)
	if err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	if err := writeToken(dataDir, token); err != nil {
		return "", err
	}
	return token, nil
}

// LoadOrGenerateToken returns the gateway token using this priority:
//  1. KUBEINTEL_TOKEN environment variable (also written to disk so
//     local clients can find it)
//  2. Existing token file on disk
//  3. Newly generated token
func LoadOrGenerateToken(dataDir string) (string, error) {
	if envToken := strings.TrimSpace(os.Getenv("KUBEINTEL_TOKEN")); envToken != "" {
		if err := writeToken(dataDir, envToken); err != nil {
			return "", err
		}
		return envToken, nil
	}
	if token, err := ReadToken(dataDir); err == nil {
		return token, nil
	}
	return GenerateToken(dataDir)
}

// ReadToken returns the stored token. Clients use it to authenticate
// against a gateway sharing the same data directory.
func ReadToken(dataDir string) (string, error) {
	data, err := os.ReadFile(tokenPath(dataDir))
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", tokenPath(dataDir))
	}
	return token, nil
}

// Validator checks bearer tokens on incoming upgrade requests. A nil
// Validator accepts every request.
type Validator struct {
	token []byte
}

// NewValidator returns a validator for the given token.
func NewValidator(token string) *Validator {
	return &Validator{token: []byte(strings.TrimSpace(token))}
}

// Valid compares a candidate token in constant time.
func (v *Validator) Valid(candidate string) bool {
	if v == nil {
		return true
	}
	candidate = strings.TrimSpace(candidate)
	return subtle.ConstantTimeCompare(v.token, []byte(candidate)) == 1
}

// Check authenticates r using "Authorization: Bearer <token>" or, for
// browsers that cannot set headers on a WebSocket upgrade, ?token=.
func (v *Validator) Check(r *http.Request) bool {
	if v == nil {
		return true
	}
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return v.Valid(tok)
		}
		return false
	}
	return v.Valid(r.URL.Query().Get("token"))
}

func writeToken(dataDir, token string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dataDir, err)
	}
	path := tokenPath(dataDir)
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("writing token to %s: %w", path, err)
	}
	return nil
}

func tokenPath(dataDir string) string {
	return filepath.Join(dataDir, "token")
}

func randomAlphanumeric(n int) (string, error) {
	max := big.NewInt(int64(len(alphanumeric)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}
