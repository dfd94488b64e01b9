package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// Pool owns the live ledger connections, keyed by a logical owner id. It
// deduplicates concurrent connection attempts for the same key: opening a
// connection is not idempotent-safe to race, and per-payer submissions must
// be serialized so sequence-counter reads stay consistent.
type Pool struct {
	mu          sync.Mutex
	dial        Dialer
	dialTimeout time.Duration
	live        map[string]Client
	inflight    map[string]*connectAttempt
}

type connectAttempt struct {
	done   chan struct{}
	client Client
	err    error
}

// PoolOption configures the pool.
type PoolOption func(*Pool)

// WithDialTimeout bounds every connection attempt. An attempt that does not
// complete within the bound is treated as failed and torn down.
func WithDialTimeout(timeout time.Duration) PoolOption {
	return func(p *Pool) {
		if timeout > 0 {
			p.dialTimeout = timeout
		}
	}
}

// NewPool constructs a pool that opens connections through dial.
func NewPool(dial Dialer, opts ...PoolOption) *Pool {
	p := &Pool{
		dial:        dial,
		dialTimeout: 10 * time.Second,
		live:        make(map[string]Client),
		inflight:    make(map[string]*connectAttempt),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Get returns a ready connection for ownerKey. If another caller is already
// connecting for the same key, Get waits for that attempt instead of opening
// a second connection.
func (p *Pool) Get(ctx context.Context, ownerKey string) (Client, error) {
	if p == nil || p.dial == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "连接池未初始化")
	}

	p.mu.Lock()
	if attempt, ok := p.inflight[ownerKey]; ok {
		p.mu.Unlock()
		return p.await(ctx, attempt)
	}
	if client, ok := p.live[ownerKey]; ok {
		p.mu.Unlock()
		return client, nil
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	p.inflight[ownerKey] = attempt
	p.mu.Unlock()

	go p.establish(ownerKey, attempt)
	return p.await(ctx, attempt)
}

// establish runs the bounded dial and publishes the result. The in-flight
// entry is cleared on every path so a failed attempt never wedges the key.
func (p *Pool) establish(ownerKey string, attempt *connectAttempt) {
	dialCtx, cancel := context.WithTimeout(context.Background(), p.dialTimeout)
	defer cancel()

	type dialResult struct {
		client Client
		err    error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		client, err := p.dial(dialCtx)
		resultCh <- dialResult{client: client, err: err}
	}()

	var client Client
	var err error
	select {
	case res := <-resultCh:
		client, err = res.client, res.err
	case <-dialCtx.Done():
		err = dialCtx.Err()
		// A connection that completes after the bound is torn down instead
		// of being handed to anyone.
		go func() {
			if res := <-resultCh; res.client != nil {
				res.client.Close()
			}
		}()
	}

	p.mu.Lock()
	delete(p.inflight, ownerKey)
	if err != nil {
		attempt.err = xerrors.Wrap(xerrors.CodeConnectionFailure, err, "建立账本连接失败",
			xerrors.WithMetadata("owner_key", ownerKey))
	} else {
		p.live[ownerKey] = client
		attempt.client = client
	}
	p.mu.Unlock()
	close(attempt.done)
}

func (p *Pool) await(ctx context.Context, attempt *connectAttempt) (Client, error) {
	select {
	case <-attempt.done:
		return attempt.client, attempt.err
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, ctx.Err(), "等待账本连接被取消")
	}
}

// Disconnect closes and forgets the connection held for ownerKey.
func (p *Pool) Disconnect(ownerKey string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	client, ok := p.live[ownerKey]
	delete(p.live, ownerKey)
	p.mu.Unlock()
	if ok && client != nil {
		client.Close()
	}
}

// DisconnectAll closes every pooled connection. Used during graceful teardown.
func (p *Pool) DisconnectAll() {
	if p == nil {
		return
	}
	p.mu.Lock()
	clients := make([]Client, 0, len(p.live))
	for key, client := range p.live {
		clients = append(clients, client)
		delete(p.live, key)
	}
	p.mu.Unlock()
	for _, client := range clients {
		if client != nil {
			client.Close()
		}
	}
}

// Balance looks up an account balance over a short-lived connection that is
// independent of the pooled payment connections: balance checks are read-only
// and must not contend with in-flight submissions.
func (p *Pool) Balance(ctx context.Context, address string) (*big.Int, error) {
	if p == nil || p.dial == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "连接池未初始化")
	}
	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	client, err := p.dial(dialCtx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "建立余额查询连接失败")
	}
	defer client.Close()
	return client.BalanceAt(ctx, address)
}
