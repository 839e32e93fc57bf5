package datasource

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dbpool/pkg/config"
	"github.com/ajitpratap0/dbpool/pkg/logger"
	"github.com/ajitpratap0/dbpool/pkg/poolerrors"
)

// Registry maps pool names to DataSources. It is owned by the caller and
// passed where lookup is needed; nothing registers itself globally.
type Registry struct {
	mu     sync.RWMutex
	pools  map[string]*DataSource
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(l *zap.Logger) *Registry {
	return &Registry{
		pools:  make(map[string]*DataSource),
		logger: logger.ForComponent(l, "registry"),
	}
}

// Register adds ds under its name. A name can be registered once.
func (r *Registry) Register(ds *DataSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[ds.Name()]; ok {
		return poolerrors.Newf(poolerrors.ErrorTypeConfig, "pool %q is already registered", ds.Name())
	}
	r.pools[ds.Name()] = ds
	r.logger.Debug("pool registered", zap.String("pool", ds.Name()))
	return nil
}

// Open opens a DataSource for cfg and registers it. The pool is closed again
// if the name is taken.
func (r *Registry) Open(cfg *config.PoolConfig, opts ...Option) (*DataSource, error) {
	ds, err := Open(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := r.Register(ds); err != nil {
		return nil, poolerrors.Append(err, ds.Close())
	}
	return ds, nil
}

// Lookup returns the pool registered under name.
func (r *Registry) Lookup(name string) (*DataSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ds, ok := r.pools[name]
	return ds, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove unregisters and closes the named pool.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	ds, ok := r.pools[name]
	delete(r.pools, name)
	r.mu.Unlock()
	if !ok {
		return poolerrors.Newf(poolerrors.ErrorTypeConfig, "pool %q is not registered", name)
	}
	return ds.Close()
}

// Close closes every registered pool and empties the registry. Every pool is
// closed even when some fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*DataSource)
	r.mu.Unlock()

	var errs poolerrors.Collector
	for _, ds := range pools {
		errs.Add(ds.Close())
	}
	return errs.Err("registry")
}
