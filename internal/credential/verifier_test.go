package credential

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

type fakeRegistry struct {
	objects   map[string]*Credential
	issued    int
	revoked   int
	issueErr  error
	revokeErr error
	lookupErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{objects: make(map[string]*Credential)}
}

func (f *fakeRegistry) Lookup(_ context.Context, address string) (*Credential, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	cred, ok := f.objects[address]
	if !ok || !cred.Valid(time.Now()) {
		return nil, ErrNotOnChain
	}
	clone := *cred
	return &clone, nil
}

func (f *fakeRegistry) Issue(_ context.Context, cred *Credential) (string, error) {
	if f.issueErr != nil {
		return "", f.issueErr
	}
	f.issued++
	proof := fmt.Sprintf("0xproof%d", f.issued)
	onChain := *cred
	onChain.OnChain = true
	onChain.Proof = proof
	f.objects[cred.Subject] = &onChain
	return proof, nil
}

func (f *fakeRegistry) Revoke(_ context.Context, address string) (string, error) {
	if f.revokeErr != nil {
		return "", f.revokeErr
	}
	f.revoked++
	delete(f.objects, address)
	return "0xrevoked", nil
}

func TestVerifyPrefersOnChainCredential(t *testing.T) {
	registry := newFakeRegistry()
	cache := NewMemoryCache()
	ctx := context.Background()

	registry.objects["0xabc"] = &Credential{
		Subject:   "0xabc",
		Type:      TypePremium,
		Level:     3,
		ExpiresAt: time.Now().Add(time.Hour),
		OnChain:   true,
		Proof:     "0xchain",
	}
	// 缓存里放一个不同等级的条目，校验应以链上为准。
	_ = cache.Put(ctx, &Credential{
		Subject:   "0xabc",
		Type:      TypeBasic,
		Level:     1,
		ExpiresAt: time.Now().Add(time.Hour),
		Proof:     "local:stale",
	})

	v := NewVerifier(registry, cache, "0xissuer")
	result, err := v.Verify(ctx, "0xabc")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid || result.Credential == nil {
		t.Fatal("expected valid result")
	}
	if !result.Credential.OnChain || result.Credential.Level != 3 {
		t.Fatalf("expected on-chain premium credential, got %+v", result.Credential)
	}
}

func TestVerifyFallsBackToCache(t *testing.T) {
	registry := newFakeRegistry()
	cache := NewMemoryCache()
	ctx := context.Background()

	_ = cache.Put(ctx, &Credential{
		Subject:   "0xabc",
		Type:      TypeEnterprise,
		Level:     5,
		ExpiresAt: time.Now().Add(time.Hour),
		Proof:     "local:cached",
	})

	v := NewVerifier(registry, cache, "0xissuer")
	result, err := v.Verify(ctx, "0xabc")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid || result.Credential.OnChain {
		t.Fatalf("expected cached local credential, got %+v", result.Credential)
	}
	if result.AutoIssued {
		t.Fatal("cache hit must not count as auto-issuance")
	}
}

func TestVerifyAutoIssuesBasicCredential(t *testing.T) {
	registry := newFakeRegistry()
	cache := NewMemoryCache()

	v := NewVerifier(registry, cache, "0xissuer")
	result, err := v.Verify(context.Background(), "0xnew")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid || !result.AutoIssued {
		t.Fatalf("expected auto-issued credential, got %+v", result)
	}
	if result.Credential.Type != TypeBasic || !result.Credential.OnChain {
		t.Fatalf("expected on-chain basic credential, got %+v", result.Credential)
	}
	if registry.issued != 1 {
		t.Fatalf("expected one on-chain issuance, got %d", registry.issued)
	}
}

func TestVerifyAutoIssueFallsBackToLocal(t *testing.T) {
	registry := newFakeRegistry()
	registry.issueErr = stdErrors.New("node unavailable")
	cache := NewMemoryCache()

	v := NewVerifier(registry, cache, "0xissuer")
	result, err := v.Verify(context.Background(), "0xnew")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Credential.OnChain {
		t.Fatal("on-chain issuance failed, credential must be local")
	}
	if result.Credential.Proof == "" {
		t.Fatal("local credential must carry a proof handle")
	}
}

func TestVerifyTwiceObservesFirstIssuance(t *testing.T) {
	registry := newFakeRegistry()
	registry.issueErr = stdErrors.New("node unavailable")
	cache := NewMemoryCache()
	ctx := context.Background()

	v := NewVerifier(registry, cache, "0xissuer")
	first, err := v.Verify(ctx, "0xnew")
	if err != nil {
		t.Fatalf("first verify: %v", err)
	}
	second, err := v.Verify(ctx, "0xnew")
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if second.AutoIssued {
		t.Fatal("second verify must hit the cache, not issue again")
	}
	if first.Credential.Proof != second.Credential.Proof {
		t.Fatalf("two credentials treated as current: %s vs %s",
			first.Credential.Proof, second.Credential.Proof)
	}
}

func TestVerifyExpiredCacheEntryTriggersReissue(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()
	_ = cache.Put(ctx, &Credential{
		Subject:   "0xold",
		Type:      TypeBasic,
		Level:     1,
		ExpiresAt: time.Now().Add(time.Hour),
		Proof:     "local:old",
	})
	// 直接改写过期时间模拟过期条目。
	cache.mu.Lock()
	cache.entries["0xold"].ExpiresAt = time.Now().Add(-time.Minute)
	cache.mu.Unlock()

	v := NewVerifier(newFakeRegistry(), cache, "0xissuer")
	result, err := v.Verify(ctx, "0xold")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.AutoIssued {
		t.Fatal("expired entry must trigger re-issuance")
	}
}

func TestDeleteClearsBothStores(t *testing.T) {
	registry := newFakeRegistry()
	cache := NewMemoryCache()
	ctx := context.Background()

	v := NewVerifier(registry, cache, "0xissuer")
	if _, err := v.Verify(ctx, "0xabc"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := v.Delete(ctx, "0xabc"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if registry.revoked != 1 {
		t.Fatalf("expected one revoke, got %d", registry.revoked)
	}
	if _, err := cache.Get(ctx, "0xabc"); !stdErrors.Is(err, ErrCacheMiss) {
		t.Fatal("cache entry must be gone after delete")
	}
}

func TestDeletePartialFailureIsInconsistency(t *testing.T) {
	registry := newFakeRegistry()
	registry.revokeErr = stdErrors.New("revoke rejected")
	cache := NewMemoryCache()
	ctx := context.Background()

	v := NewVerifier(registry, cache, "0xissuer")
	if _, err := v.Verify(ctx, "0xabc"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	err := v.Delete(ctx, "0xabc")
	if err == nil {
		t.Fatal("partial delete must surface an error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeCredentialInconsistent {
		t.Fatalf("expected CREDENTIAL_INCONSISTENT, got %s", xerrors.CodeOf(err))
	}
}

func TestUpgradeWritesCacheOnly(t *testing.T) {
	registry := newFakeRegistry()
	cache := NewMemoryCache()
	ctx := context.Background()

	v := NewVerifier(registry, cache, "0xissuer")
	cred, err := v.Upgrade(ctx, "0xabc", TypeEnterprise)
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if cred.Level != 5 {
		t.Fatalf("expected level 5, got %d", cred.Level)
	}
	if registry.issued != 0 {
		t.Fatal("upgrade must not touch the on-chain registry")
	}
	cached, err := cache.Get(ctx, "0xabc")
	if err != nil || cached.Type != TypeEnterprise {
		t.Fatalf("upgraded credential not cached: %v %+v", err, cached)
	}
}

func TestCanAuthorizeCeilings(t *testing.T) {
	eth := big.NewInt(1_000_000_000_000_000_000)
	cases := []struct {
		level  int
		amount *big.Int
		want   bool
	}{
		{1, big.NewInt(1_000_000_000_000_000), true},
		{1, big.NewInt(1_000_000_000_000_001), false},
		{3, big.NewInt(100_000_000_000_000_000), true},
		{3, new(big.Int).Add(eth, big.NewInt(0)), false},
		{5, new(big.Int).Mul(big.NewInt(10), eth), true},
		{5, new(big.Int).Mul(big.NewInt(11), eth), false},
	}
	for _, tc := range cases {
		cred := &Credential{Level: tc.level}
		if got := CanAuthorize(cred, tc.amount); got != tc.want {
			t.Errorf("level %d amount %s: got %v want %v", tc.level, tc.amount, got, tc.want)
		}
	}
	if CanAuthorize(nil, big.NewInt(1)) {
		t.Error("nil credential must never authorize")
	}
}
