package control

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var errUnauthorized = errors.New("missing or invalid bearer token")

// tokenCheck verifies bearer tokens against a bcrypt hash. The digest of the
// last accepted token is kept so a client polling the API pays the bcrypt
// cost once.
type tokenCheck struct {
	hash []byte

	mu       sync.Mutex
	accepted [sha256.Size]byte
	ok       bool
}

func (c *tokenCheck) valid(token string) bool {
	if token == "" {
		return false
	}
	sum := sha256.Sum256([]byte(token))
	c.mu.Lock()
	hit := c.ok && subtle.ConstantTimeCompare(sum[:], c.accepted[:]) == 1
	c.mu.Unlock()
	if hit {
		return true
	}
	if bcrypt.CompareHashAndPassword(c.hash, []byte(token)) != nil {
		return false
	}
	c.mu.Lock()
	c.accepted, c.ok = sum, true
	c.mu.Unlock()
	return true
}

func bearerAuth(hash string) func(http.Handler) http.Handler {
	check := &tokenCheck{hash: []byte(hash)}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !found {
				// EventSource cannot set headers.
				token = r.URL.Query().Get("token")
			}
			if !check.valid(strings.TrimSpace(token)) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="tabrefresh"`)
				writeError(w, http.StatusUnauthorized, errUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HashToken returns the bcrypt hash to put in the api.token_hash setting.
func HashToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.New("control: empty token")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
