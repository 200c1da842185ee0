// Package auth issues and verifies the signed bearer tokens of §4.8 and
// gates requests against role and per-breadcrumb ACL grants. Token framing
// (base64 payload + base64 HMAC signature, dot-joined) is grounded on
// service_account.go's scheme, generalized from a single fixed role and
// scope to RCRT's owner/agent/roles claim set.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcrt/substrate/pkg/contracts"
	"github.com/rcrt/substrate/pkg/models"
)

var (
	ErrMalformedToken = errors.New("malformed bearer token")
	ErrBadSignature   = errors.New("token signature mismatch")
	ErrTokenExpired   = errors.New("token expired")
)

// claims is the signed payload embedded in every issued token.
type claims struct {
	OwnerID string       `json:"owner_id"`
	AgentID string       `json:"agent_id"`
	Roles   []models.Role `json:"roles"`
	Exp     int64        `json:"exp"`
}

// Signer issues and verifies bearer tokens using a single shared HMAC
// signing key (§6.5 token-signing key material).
type Signer struct {
	key []byte
}

func NewSigner(signingKey string) *Signer {
	return &Signer{key: []byte(signingKey)}
}

// Issue produces a bearer token for agentID in owner scoped to roles, valid
// for ttl (POST /auth/token).
func (s *Signer) Issue(ownerID, agentID string, roles []models.Role, ttl time.Duration) (string, error) {
	c := claims{OwnerID: ownerID, AgentID: agentID, Roles: roles, Exp: time.Now().Add(ttl).Unix()}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	sig := s.sign(payloadB64)
	return payloadB64 + "." + sig, nil
}

// Verify checks the signature and expiry of a bearer token and returns the
// identity it carries.
func (s *Signer) Verify(token string) (*contracts.Identity, error) {
	dot := strings.LastIndexByte(token, '.')
	if dot < 0 {
		return nil, ErrMalformedToken
	}
	payloadB64, sigB64 := token[:dot], token[dot+1:]

	if !hmac.Equal([]byte(s.sign(payloadB64)), []byte(sigB64)) {
		return nil, ErrBadSignature
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if c.Exp > 0 && time.Now().Unix() > c.Exp {
		return nil, ErrTokenExpired
	}
	if c.OwnerID == "" || c.AgentID == "" {
		return nil, ErrMalformedToken
	}
	return &contracts.Identity{OwnerID: c.OwnerID, AgentID: c.AgentID, Roles: c.Roles, ExpiresAt: time.Unix(c.Exp, 0)}, nil
}

func (s *Signer) sign(payloadB64 string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(payloadB64))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
