package service

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriptionBook 登记 (付款方, 收款方, 能力) 三元组的订阅凭证。
// 进程内静态登记即可满足订阅捷径, 订阅的签发与续费属于外部流程。
type subscriptionBook struct {
	mu      sync.RWMutex
	entries map[string]subscription
}

type subscription struct {
	token     string
	expiresAt time.Time
}

func newSubscriptionBook() *subscriptionBook {
	return &subscriptionBook{entries: make(map[string]subscription)}
}

func subscriptionKey(fromID, toID, capability string) string {
	return strings.Join([]string{
		strings.TrimSpace(fromID),
		strings.TrimSpace(toID),
		strings.ToLower(strings.TrimSpace(capability)),
	}, "\x00")
}

// grant 登记一张新的订阅凭证并返回其 token。
func (b *subscriptionBook) grant(fromID, toID, capability string, expiresAt time.Time) string {
	token := uuid.NewString()
	b.mu.Lock()
	b.entries[subscriptionKey(fromID, toID, capability)] = subscription{
		token:     token,
		expiresAt: expiresAt,
	}
	b.mu.Unlock()
	return token
}

// lookup 返回未过期的订阅 token; 过期条目视同不存在。
func (b *subscriptionBook) lookup(fromID, toID, capability string, now time.Time) (string, bool) {
	b.mu.RLock()
	entry, ok := b.entries[subscriptionKey(fromID, toID, capability)]
	b.mu.RUnlock()
	if !ok || !entry.expiresAt.After(now) {
		return "", false
	}
	return entry.token, true
}
