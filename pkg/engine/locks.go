package engine

import (
	"sync"
)

// machineLocks enforces the one-active-deployment-per-machine invariant.
// Acquisition never blocks: contention is reported immediately so callers
// get a CONFLICT instead of queueing silently.
type machineLocks struct {
	mu     sync.Mutex
	owners map[string]string // machine id -> owning deployment id
}

func newMachineLocks() *machineLocks {
	return &machineLocks{owners: make(map[string]string)}
}

// TryAcquire claims the machine for a deployment. Returns the current
// owner and false when another deployment already holds the lock.
func (l *machineLocks) TryAcquire(machineID, deploymentID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if owner, held := l.owners[machineID]; held {
		return owner, false
	}
	l.owners[machineID] = deploymentID
	return deploymentID, true
}

// Release frees the machine if the deployment still owns it.
func (l *machineLocks) Release(machineID, deploymentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if owner, held := l.owners[machineID]; held && owner == deploymentID {
		delete(l.owners, machineID)
	}
}

// Owner returns the deployment currently holding the machine, if any.
func (l *machineLocks) Owner(machineID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner, held := l.owners[machineID]
	return owner, held
}
