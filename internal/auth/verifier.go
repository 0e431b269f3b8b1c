// Package auth verifies bearer tokens for the admin API.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// Verifier validates tokens and extracts the caller's role.
// Supports modes: dev (token is "subject:role", unsigned) and hmac (HS256 JWT).
type Verifier struct {
	Mode         string
	HMACSecret   []byte
	SubjectClaim string
	RoleClaim    string
	now          func() time.Time
}

type Principal struct {
	Subject string
	Role    string
}

// CanWrite reports whether the principal may trigger deliveries, retries and cancellations.
func (p Principal) CanWrite() bool { return p.Role == RoleAdmin }

func NewVerifier(mode, hmacSecret string) *Verifier {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "dev"
	}
	return &Verifier{
		Mode:         mode,
		HMACSecret:   []byte(hmacSecret),
		SubjectClaim: "sub",
		RoleClaim:    "role",
		now:          time.Now,
	}
}

// Anonymous is the principal used when no token is presented; only dev mode allows it.
func (v *Verifier) Anonymous() (Principal, bool) {
	if v.Mode == "dev" {
		return Principal{Subject: "dev", Role: RoleAdmin}, true
	}
	return Principal{}, false
}

func (v *Verifier) Verify(token string) (Principal, error) {
	if v.Mode == "dev" {
		// token format: subject:role
		parts := strings.Split(token, ":")
		if len(parts) >= 2 && parts[0] != "" {
			return Principal{Subject: parts[0], Role: normalizeRole(parts[1])}, nil
		}
		return Principal{}, errors.New("invalid dev token; expected subject:role")
	}
	if v.Mode != "hmac" {
		return Principal{}, errors.New("unsupported auth mode")
	}
	segs := strings.Split(token, ".")
	if len(segs) != 3 {
		return Principal{}, errors.New("invalid JWT")
	}
	headerJSON, err := b64urlDecode(segs[0])
	if err != nil {
		return Principal{}, err
	}
	payloadJSON, err := b64urlDecode(segs[1])
	if err != nil {
		return Principal{}, err
	}
	sig, err := b64urlDecode(segs[2])
	if err != nil {
		return Principal{}, err
	}
	var hdr map[string]any
	if err := json.Unmarshal(headerJSON, &hdr); err != nil {
		return Principal{}, err
	}
	if alg, _ := hdr["alg"].(string); alg != "HS256" {
		return Principal{}, errors.New("unsupported alg for hmac")
	}
	mac := hmac.New(sha256.New, v.HMACSecret)
	mac.Write([]byte(segs[0] + "." + segs[1]))
	if !hmac.Equal(mac.Sum(nil), sig) {
		return Principal{}, errors.New("bad signature")
	}

	var claims map[string]any
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return Principal{}, err
	}
	if exp, ok := claims["exp"].(float64); ok && v.now().Unix() >= int64(exp) {
		return Principal{}, errors.New("token expired")
	}
	subject, _ := claims[v.SubjectClaim].(string)
	role, _ := claims[v.RoleClaim].(string)
	if subject == "" {
		return Principal{}, errors.New("missing subject claim")
	}
	return Principal{Subject: subject, Role: normalizeRole(role)}, nil
}

// Sign issues an HS256 token for subject and role. Used by tooling and tests.
func (v *Verifier) Sign(subject, role string, ttl time.Duration) (string, error) {
	header, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	claims := map[string]any{v.SubjectClaim: subject, v.RoleClaim: role}
	if ttl > 0 {
		claims["exp"] = v.now().Add(ttl).Unix()
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	input := b64urlEncode(header) + "." + b64urlEncode(payload)
	mac := hmac.New(sha256.New, v.HMACSecret)
	mac.Write([]byte(input))
	return input + "." + b64urlEncode(mac.Sum(nil)), nil
}

func normalizeRole(r string) string {
	r = strings.ToLower(strings.TrimSpace(r))
	if r == "" {
		return RoleViewer
	}
	return r
}

func b64urlDecode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }
func b64urlEncode(b []byte) string          { return base64.RawURLEncoding.EncodeToString(b) }
