package payment

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// TokenVault is the boundary to whatever resolves tokens back into charges.
// The built-in vault is a local stub; a payment processor's vault implements
// the same interface in production.
type TokenVault interface {
	Put(token, maskedNumber string)
	Get(token string) (maskedNumber string, ok bool)
}

// LRUVault is the default in-process vault stub. It keeps only the masked
// display form — raw card data is never stored in any recoverable form.
type LRUVault struct {
	cache *lru.Cache[string, string]
}

// NewLRUVault creates a bounded vault stub.
func NewLRUVault(size int) (*LRUVault, error) {
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("creating token vault: %w", err)
	}
	return &LRUVault{cache: cache}, nil
}

func (v *LRUVault) Put(token, maskedNumber string) { v.cache.Add(token, maskedNumber) }

func (v *LRUVault) Get(token string) (string, bool) { return v.cache.Get(token) }

// Len returns the number of live tokens.
func (v *LRUVault) Len() int { return v.cache.Len() }

// AuditLogger is the subset of the audit recorder the tokenizer needs.
type AuditLogger interface {
	LogPayment(action, actor string, amount float64, clientAddr, correlationID string, details map[string]interface{})
}

// Tokenizer exchanges validated card data for opaque random tokens. There is
// no algorithmic mapping from token back to card: the token carries 24 bytes
// of entropy and nothing else.
type Tokenizer struct {
	vault  TokenVault
	audit  AuditLogger
	logger zerolog.Logger
}

// NewTokenizer creates a Tokenizer on top of an injected vault.
func NewTokenizer(vault TokenVault, audit AuditLogger, logger zerolog.Logger) *Tokenizer {
	return &Tokenizer{
		vault:  vault,
		audit:  audit,
		logger: logger.With().Str("component", "tokenizer").Logger(),
	}
}

// Tokenize validates the card and returns an opaque token. The audit trail
// gets the masked form only, never the full number.
func (t *Tokenizer) Tokenize(number, expiry, cvv, actor, clientAddr, correlationID string) (string, error) {
	result := ValidateCard(number, expiry, cvv)
	if !result.Valid {
		return "", fmt.Errorf("card validation failed: %s", result.Reason)
	}

	token, err := newToken()
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}

	t.vault.Put(token, result.Masked)

	if t.audit != nil {
		t.audit.LogPayment("card_tokenized", actor, 0, clientAddr, correlationID,
			map[string]interface{}{
				"masked": result.Masked,
				"brand":  string(result.Brand),
			})
	}

	return token, nil
}

// Resolve returns the masked display form for a token.
func (t *Tokenizer) Resolve(token string) (string, bool) {
	return t.vault.Get(token)
}

func newToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "tok_" + hex.EncodeToString(buf), nil
}
