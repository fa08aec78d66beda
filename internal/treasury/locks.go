package treasury

import (
	"context"
	"fmt"
	"sync"

	"go.etcd.io/etcd/client/v3/concurrency"
)

// vaultLocks serializes writes per vault. The ledger itself serializes and
// would reject a stale concurrent write anyway; this only avoids wasted
// round trips and keeps the daily-window preview meaningful.
type vaultLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newVaultLocks() *vaultLocks {
	return &vaultLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *vaultLocks) get(ledgerID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[ledgerID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[ledgerID] = m
	}
	return m
}

// withVaultLock runs fn while holding the in-process lock for the vault and,
// when etcd is configured, a cross-process lease lock as well. Settlements
// and batch runs from another orchestrator instance wait here instead of
// racing the ledger.
func (o *Orchestrator) withVaultLock(ctx context.Context, ledgerID string, fn func() error) error {
	local := o.locks.get(ledgerID)
	local.Lock()
	defer local.Unlock()

	if o.etcd == nil {
		return fn()
	}

	session, err := concurrency.NewSession(o.etcd, concurrency.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to open etcd session: %w", err)
	}
	defer session.Close()

	mutex := concurrency.NewMutex(session, "/vaultbridge/locks/"+ledgerID)
	if err := mutex.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire vault lock for %s: %w", ledgerID, err)
	}
	defer mutex.Unlock(context.Background())

	return fn()
}
