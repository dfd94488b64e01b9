package credential

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCacheMiss indicates the cache holds no entry for the address.
var ErrCacheMiss = errors.New("credential cache miss")

// Cache abstracts the local credential store used as the fallback behind the
// on-chain registry. Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, address string) (*Credential, error)
	Put(ctx context.Context, cred *Credential) error
	Delete(ctx context.Context, address string) error
	Close() error
}

// MemoryCache 以内存方式保存凭证，主要用于测试。
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*Credential
}

// NewMemoryCache 创建 MemoryCache。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*Credential)}
}

// Get 返回指定地址的凭证，过期的条目视同未命中。
func (m *MemoryCache) Get(_ context.Context, address string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.entries[address]
	if !ok {
		return nil, ErrCacheMiss
	}
	if !cred.Valid(time.Now()) {
		return nil, ErrCacheMiss
	}
	clone := *cred
	return &clone, nil
}

// Put 写入或覆盖凭证条目。
func (m *MemoryCache) Put(_ context.Context, cred *Credential) error {
	if cred == nil || cred.Subject == "" {
		return errors.New("凭证主体不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *cred
	m.entries[cred.Subject] = &clone
	return nil
}

// Delete 移除凭证条目。删除不存在的条目不算错误。
func (m *MemoryCache) Delete(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, address)
	return nil
}

// Close 对内存缓存无需操作。
func (m *MemoryCache) Close() error { return nil }

var _ Cache = (*MemoryCache)(nil)
