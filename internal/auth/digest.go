// Package auth implements RFC 2617 digest authentication for both sides
// of the handshake: UAC credential generation (via icholy/digest) for
// outbound REGISTER/INVITE challenges, and registrar-side verification
// against a stored plaintext secret; a precomputed HA1 is not accepted.
package auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/icholy/digest"
)

// Challenge is a registrar-issued WWW-Authenticate/Proxy-Authenticate
// challenge.
type Challenge struct {
	Realm     string
	Nonce     string
	Algorithm string
	QOP       string
	Stale     bool
	issuedAt  time.Time
}

// NewChallenge mints a fresh challenge for realm with a random 128-bit
// nonce, per §4.6.
func NewChallenge(realm string) Challenge {
	return Challenge{
		Realm:     realm,
		Nonce:     randomNonceHex(),
		Algorithm: "MD5",
		QOP:       "auth",
		issuedAt:  time.Now(),
	}
}

func randomNonceHex() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform RNG is broken; fall back to
		// a time-derived value rather than issuing an all-zero nonce.
		return hex.EncodeToString([]byte(fmt.Sprintf("%d", time.Now().UnixNano())))
	}
	return hex.EncodeToString(buf)
}

// String renders the WWW-Authenticate header value.
func (c Challenge) String() string {
	stale := ""
	if c.Stale {
		stale = `, stale=true`
	}
	return fmt.Sprintf(`Digest realm="%s", nonce="%s", algorithm=%s, qop="%s"%s`,
		c.Realm, c.Nonce, c.Algorithm, c.QOP, stale)
}

// UACCredential builds an Authorization header value for method/uri using
// icholy/digest against a server challenge received on the wire.
func UACCredential(wwwAuthenticate, method, uri, username, password string) (string, error) {
	chal, err := digest.ParseChallenge(wwwAuthenticate)
	if err != nil {
		return "", fmt.Errorf("auth: parse challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: username,
		Password: password,
	})
	if err != nil {
		return "", fmt.Errorf("auth: compute credential: %w", err)
	}
	return cred.String(), nil
}

// Verifier tracks issued nonces and their nonce-counts for registrar-side
// verification, rejecting stale or replayed nonce-counts per §4.6.
type Verifier struct {
	mu     sync.Mutex
	nc     map[string]uint64 // nonce -> highest nonce-count seen
	maxAge time.Duration
}

func NewVerifier(maxAge time.Duration) *Verifier {
	return &Verifier{nc: make(map[string]uint64), maxAge: maxAge}
}

// Credentials is a parsed Authorization/Proxy-Authorization header.
type Credentials struct {
	Username string
	Realm    string
	Nonce    string
	URI      string
	Response string
	QOP      string
	NC       string
	CNonce   string
	Algorithm string
}

// ParseCredentials parses an Authorization/Proxy-Authorization header value
// of the form `Digest key="value", key=value, ...` into a Credentials.
func ParseCredentials(header string) (Credentials, error) {
	var c Credentials
	header = strings.TrimSpace(header)
	const prefix = "Digest "
	if !strings.HasPrefix(header, prefix) {
		return c, fmt.Errorf("auth: not a Digest credential: %q", header)
	}
	for _, field := range splitDigestFields(header[len(prefix):]) {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		switch strings.ToLower(key) {
		case "username":
			c.Username = val
		case "realm":
			c.Realm = val
		case "nonce":
			c.Nonce = val
		case "uri":
			c.URI = val
		case "response":
			c.Response = val
		case "qop":
			c.QOP = val
		case "nc":
			c.NC = val
		case "cnonce":
			c.CNonce = val
		case "algorithm":
			c.Algorithm = val
		}
	}
	if c.Username == "" || c.Response == "" {
		return c, fmt.Errorf("auth: credential missing username or response")
	}
	return c, nil
}

// splitDigestFields splits a comma-separated Digest parameter list without
// breaking on commas inside quoted values.
func splitDigestFields(s string) []string {
	var fields []string
	inQuotes := false
	start := 0
	for i, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				fields = append(fields, s[start:i])
				start = i + 1
			}
		}
	}
	fields = append(fields, s[start:])
	return fields
}

// Verify computes HA1/HA2/response server-side against the stored secret
// (plaintext password; HA1 precomputation is an optimization left for a
// future secret-store format) and compares to cred.Response.
func (v *Verifier) Verify(chal Challenge, cred Credentials, method, password string) error {
	if cred.Nonce != chal.Nonce {
		return ErrStaleNonce
	}
	var ncVal uint64
	if cred.NC != "" {
		if _, err := fmt.Sscanf(cred.NC, "%x", &ncVal); err != nil {
			return ErrBadNonceCount
		}
	}
	v.mu.Lock()
	last := v.nc[chal.Nonce]
	if ncVal != 0 && ncVal <= last {
		v.mu.Unlock()
		return ErrReplayedNonceCount
	}
	if ncVal != 0 {
		v.nc[chal.Nonce] = ncVal
	}
	v.mu.Unlock()

	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", cred.Username, chal.Realm, password))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, cred.URI))

	var expected string
	if cred.QOP != "" {
		expected = md5Hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, chal.Nonce, cred.NC, cred.CNonce, cred.QOP, ha2))
	} else {
		expected = md5Hex(fmt.Sprintf("%s:%s:%s", ha1, chal.Nonce, ha2))
	}
	if expected != cred.Response {
		return ErrBadCredential
	}
	return nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

var (
	ErrStaleNonce         = fmt.Errorf("auth: nonce does not match challenge")
	ErrBadNonceCount      = fmt.Errorf("auth: malformed nonce-count")
	ErrReplayedNonceCount = fmt.Errorf("auth: nonce-count replay detected")
	ErrBadCredential      = fmt.Errorf("auth: digest response mismatch")
)
