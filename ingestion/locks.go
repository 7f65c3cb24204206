package ingestion

import (
	"sync"

	"github.com/poiesic/kbingest/core"
)

// tenantLocks hands out one mutex per tenant. Entries are dropped once no
// holder or waiter references them.
type tenantLocks struct {
	mu    sync.Mutex
	locks map[core.TenantID]*tenantLock
}

type tenantLock struct {
	sync.Mutex
	refs int
}

func (l *tenantLocks) lock(tenant core.TenantID) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[core.TenantID]*tenantLock)
	}
	tl, ok := l.locks[tenant]
	if !ok {
		tl = &tenantLock{}
		l.locks[tenant] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.Lock()
	return func() {
		tl.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, tenant)
		}
		l.mu.Unlock()
	}
}

// LockTenant blocks until the caller holds the tenant's write lock and returns
// the function that releases it. The pipeline holds it from adding vectors to
// the index until the document is committed. Anything else that renumbers or
// removes a tenant's vector ids must hold it too, or chunks can end up
// pointing at stale ids.
func (q *Queue) LockTenant(tenant core.TenantID) (unlock func()) {
	return q.tenants.lock(tenant)
}
