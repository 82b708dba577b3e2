package notifeed

import (
	"strings"
	"sync"
)

type SnapshotBackendFactory func(dsn string) (SnapshotBackend, error)

var snapshotFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]SnapshotBackendFactory
}{
	factories: map[string]SnapshotBackendFactory{},
}

// RegisterSnapshotBackendFactory installs a factory for a DSN scheme.
// Registered factories override the built-in schemes of the same name.
func RegisterSnapshotBackendFactory(scheme string, factory SnapshotBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	snapshotFactoryRegistry.mu.Lock()
	defer snapshotFactoryRegistry.mu.Unlock()
	snapshotFactoryRegistry.factories[scheme] = factory
}

func lookupSnapshotBackendFactory(scheme string) (SnapshotBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	snapshotFactoryRegistry.mu.RLock()
	defer snapshotFactoryRegistry.mu.RUnlock()
	factory, ok := snapshotFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
