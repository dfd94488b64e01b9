package credential

import (
	"math/big"
	"strings"
	"time"
)

// Type classifies the identity verification tier of a credential.
type Type string

const (
	TypeBasic      Type = "basic"
	TypePremium    Type = "premium"
	TypeEnterprise Type = "enterprise"
)

// Credential is a claim that an address has passed identity verification.
// Proof holds the on-chain transaction hash for ledger-backed credentials or
// a local hash for cache-only records.
type Credential struct {
	Subject   string    `json:"subject"`
	Issuer    string    `json:"issuer"`
	Type      Type      `json:"type"`
	Level     int       `json:"level"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	OnChain   bool      `json:"on_chain"`
	Proof     string    `json:"proof"`
}

// LevelOf maps a credential type to its verification level.
func LevelOf(t Type) int {
	switch Type(strings.ToLower(string(t))) {
	case TypeEnterprise:
		return 5
	case TypePremium:
		return 3
	default:
		return 1
	}
}

// TypeOfLevel is the inverse mapping used by the upgrade path.
func TypeOfLevel(level int) Type {
	switch {
	case level >= 5:
		return TypeEnterprise
	case level >= 3:
		return TypePremium
	default:
		return TypeBasic
	}
}

// Valid reports whether the credential is usable at the given instant.
func (c *Credential) Valid(now time.Time) bool {
	if c == nil {
		return false
	}
	return c.ExpiresAt.After(now)
}

// authorization ceilings in wei, indexed by verification level 1..5
var levelCeilings = map[int]*big.Int{
	1: big.NewInt(1_000_000_000_000_000),     // 0.001
	2: big.NewInt(10_000_000_000_000_000),    // 0.01
	3: big.NewInt(100_000_000_000_000_000),   // 0.1
	4: big.NewInt(1_000_000_000_000_000_000), // 1
	5: new(big.Int).Mul(big.NewInt(10), big.NewInt(1_000_000_000_000_000_000)), // 10
}

// MaxAuthorizedAmount returns the payment ceiling for a verification level.
// Unknown levels fall back to the level-1 ceiling.
func MaxAuthorizedAmount(level int) *big.Int {
	if ceiling, ok := levelCeilings[level]; ok {
		return new(big.Int).Set(ceiling)
	}
	return new(big.Int).Set(levelCeilings[1])
}

// CanAuthorize reports whether the payer's credential covers the requested
// amount. Pure function, no I/O.
func CanAuthorize(c *Credential, amount *big.Int) bool {
	if c == nil || amount == nil {
		return false
	}
	return amount.Cmp(MaxAuthorizedAmount(c.Level)) <= 0
}
