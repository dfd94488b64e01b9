package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/pkg/logger"
)

// Verification 汇总一次凭证校验的结论，无论成败都会附加到交易记录上供审计。
type Verification struct {
	Valid      bool
	Credential *Credential
	AutoIssued bool
}

// Verifier 负责校验地址的身份凭证：优先查询链上注册表，其次回退到
// 本地缓存，两者都没有时自动签发一张 basic 凭证。
type Verifier struct {
	registry Registry
	cache    Cache
	issuer   string
	basicTTL time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// VerifierOption 定义可选配置。
type VerifierOption func(*Verifier)

// WithClock 注入时间源，便于测试控制凭证过期。
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithBasicTTL 设置自动签发凭证的有效期。
func WithBasicTTL(ttl time.Duration) VerifierOption {
	return func(v *Verifier) {
		if ttl > 0 {
			v.basicTTL = ttl
		}
	}
}

// NewVerifier 构造凭证校验器。registry 可以为 nil，此时只使用本地缓存。
func NewVerifier(registry Registry, cache Cache, issuer string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		registry: registry,
		cache:    cache,
		issuer:   issuer,
		basicTTL: 365 * 24 * time.Hour,
		now:      time.Now,
		log:      logger.Named("credential"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify 按照链上优先、缓存回退、自动签发兜底的顺序校验地址凭证。
func (v *Verifier) Verify(ctx context.Context, address string) (*Verification, error) {
	if v == nil || v.cache == nil {
		return &Verification{}, xerrors.New(xerrors.CodeInitializationFailure, "凭证校验器未初始化")
	}
	if address == "" {
		return &Verification{}, xerrors.New(xerrors.CodeInvalidArgument, "地址不能为空")
	}

	// 1. 链上注册表。
	var lookupErr error
	if v.registry != nil {
		cred, err := v.registry.Lookup(ctx, address)
		if err == nil {
			return &Verification{Valid: true, Credential: cred}, nil
		}
		if !stdErrors.Is(err, ErrNotOnChain) {
			lookupErr = err
			v.log.Warn("链上凭证查询失败，回退到本地缓存",
				slog.String("address", address), slog.Any("error", err))
		}
	}

	// 2. 本地缓存。
	cred, err := v.cache.Get(ctx, address)
	if err == nil {
		return &Verification{Valid: true, Credential: cred}, nil
	}
	if !stdErrors.Is(err, ErrCacheMiss) {
		return &Verification{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取凭证缓存失败")
	}

	// 3. 自动签发 basic 凭证。
	issued, err := v.autoIssue(ctx, address)
	if err != nil {
		if lookupErr != nil {
			err = fmt.Errorf("%w（链上查询同时失败: %v）", err, lookupErr)
		}
		return &Verification{}, xerrors.Wrap(xerrors.CodeCredentialInvalid, err, "凭证校验失败",
			xerrors.WithMetadata("address", address))
	}
	return &Verification{Valid: true, Credential: issued, AutoIssued: true}, nil
}

// autoIssue 先尝试链上签发，失败时落到本地记录。
func (v *Verifier) autoIssue(ctx context.Context, address string) (*Credential, error) {
	now := v.now()
	cred := &Credential{
		Subject:   address,
		Issuer:    v.issuer,
		Type:      TypeBasic,
		Level:     LevelOf(TypeBasic),
		IssuedAt:  now,
		ExpiresAt: now.Add(v.basicTTL),
	}

	if v.registry != nil {
		proof, err := v.registry.Issue(ctx, cred)
		if err == nil {
			cred.OnChain = true
			cred.Proof = proof
		} else {
			v.log.Warn("链上签发失败，改为本地凭证",
				slog.String("address", address), slog.Any("error", err))
		}
	}
	if !cred.OnChain {
		cred.Proof = localProof(address, now)
	}

	if err := v.cache.Put(ctx, cred); err != nil {
		return nil, fmt.Errorf("缓存新签发凭证失败: %w", err)
	}
	logger.Audit().Info("自动签发凭证",
		slog.String("address", address),
		slog.String("type", string(cred.Type)),
		slog.Bool("on_chain", cred.OnChain),
		slog.String("proof", cred.Proof),
	)
	return cred, nil
}

// Upgrade 将地址的凭证提升到目标类型。升级只改写本地缓存，
// 链上对象由外部的升级流程负责。
func (v *Verifier) Upgrade(ctx context.Context, address string, target Type) (*Credential, error) {
	if v == nil || v.cache == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "凭证校验器未初始化")
	}
	now := v.now()
	cred := &Credential{
		Subject:   address,
		Issuer:    v.issuer,
		Type:      target,
		Level:     LevelOf(target),
		IssuedAt:  now,
		ExpiresAt: now.Add(v.basicTTL),
		Proof:     localProof(address, now),
	}
	if err := v.cache.Put(ctx, cred); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入升级凭证失败")
	}
	logger.Audit().Info("凭证升级",
		slog.String("address", address), slog.String("type", string(target)))
	return cred, nil
}

// Delete 同时删除链上对象与本地缓存条目。只删成功一半会返回
// CREDENTIAL_INCONSISTENT，而不是被吞掉。
func (v *Verifier) Delete(ctx context.Context, address string) error {
	if v == nil || v.cache == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "凭证校验器未初始化")
	}

	var chainErr error
	if v.registry != nil {
		if _, err := v.registry.Revoke(ctx, address); err != nil && !stdErrors.Is(err, ErrNotOnChain) {
			chainErr = err
		}
	}
	cacheErr := v.cache.Delete(ctx, address)

	switch {
	case chainErr == nil && cacheErr == nil:
		logger.Audit().Info("凭证删除", slog.String("address", address))
		return nil
	case chainErr != nil && cacheErr != nil:
		return xerrors.Wrap(xerrors.CodeStorageFailure,
			stdErrors.Join(chainErr, cacheErr), "凭证删除失败")
	case chainErr != nil:
		return xerrors.Wrap(xerrors.CodeCredentialInconsistent, chainErr,
			"本地缓存已清除但链上对象仍然存在", xerrors.WithMetadata("address", address))
	default:
		return xerrors.Wrap(xerrors.CodeCredentialInconsistent, cacheErr,
			"链上对象已删除但本地缓存清除失败", xerrors.WithMetadata("address", address))
	}
}

func localProof(address string, now time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", address, now.UnixNano())))
	return "local:" + hex.EncodeToString(sum[:8])
}
