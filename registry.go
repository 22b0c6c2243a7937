package orm

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	once     sync.Once
	instance *FactoryRegistry

	// ErrExecutorNotFound is returned when no executor factory is
	// registered under a name.
	ErrExecutorNotFound = errors.New("executor factory not found")

	// ErrSessionFactoryNotFound is returned when no session factory is
	// registered under a name.
	ErrSessionFactoryNotFound = errors.New("session factory not found")
)

// =====================================
// Executor Factories
// =====================================

// ExecutorFactory creates executors from connection configuration.
// Adapter packages register one in init.
type ExecutorFactory interface {
	// Create connects to the database described by config.
	Create(config Config) (Executor, error)

	// SupportedDrivers lists the values of Config.Driver the factory accepts.
	SupportedDrivers() []string
}

// ExecutorFactoryFunc adapts a function to ExecutorFactory accepting any
// driver.
type ExecutorFactoryFunc func(config Config) (Executor, error)

// Create calls f.
func (f ExecutorFactoryFunc) Create(config Config) (Executor, error) {
	return f(config)
}

// SupportedDrivers returns nil, meaning any driver.
func (f ExecutorFactoryFunc) SupportedDrivers() []string {
	return nil
}

// FactoryRegistry holds executor factories by name and opened session
// factories by instance name.
type FactoryRegistry struct {
	mutex     sync.RWMutex
	executors map[string]ExecutorFactory
	instances map[string]*SessionFactory
}

// Registry returns the singleton registry.
func Registry() *FactoryRegistry {
	once.Do(func() {
		instance = &FactoryRegistry{
			executors: map[string]ExecutorFactory{"sql": ExecutorFactoryFunc(openSQLExecutor)},
			instances: make(map[string]*SessionFactory),
		}
	})
	return instance
}

// RegisterExecutor makes an executor factory available to Open under name.
func RegisterExecutor(name string, factory ExecutorFactory) {
	Registry().RegisterExecutor(name, factory)
}

// RegisterExecutor adds or replaces the executor factory for name.
func (r *FactoryRegistry) RegisterExecutor(name string, factory ExecutorFactory) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.executors[name] = factory
}

// Executors returns the registered executor factory names, sorted.
func (r *FactoryRegistry) Executors() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *FactoryRegistry) executor(name string) (ExecutorFactory, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	f, ok := r.executors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrExecutorNotFound, name)
	}
	return f, nil
}

// Open creates a session factory using the executor factory registered
// under name. Settings come from config.ORM when set and from the
// metamodel otherwise.
func Open(name string, config Config, mm *Metamodel, opts ...Option) (*SessionFactory, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	f, err := Registry().executor(name)
	if err != nil {
		return nil, err
	}
	if drivers := f.SupportedDrivers(); len(drivers) > 0 && !contains(drivers, config.Driver) {
		return nil, NewError(ErrorTypeUnsupported, fmt.Sprintf("executor %q does not support driver %q", name, config.Driver))
	}
	exec, err := f.Create(config)
	if err != nil {
		return nil, err
	}
	if config.ORM != (Settings{}) {
		opts = append([]Option{WithSettings(config.ORM)}, opts...)
	}
	sf, err := NewSessionFactory(mm, exec, opts...)
	if err != nil {
		if c, ok := exec.(interface{ Close() error }); ok {
			_ = c.Close()
		}
		return nil, err
	}
	return sf, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// =====================================
// Named Session Factories
// =====================================

// Register stores a session factory under instanceName.
func (r *FactoryRegistry) Register(instanceName string, sf *SessionFactory) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.instances[instanceName] = sf
}

// RegisterDefault stores sf as the default session factory.
func (r *FactoryRegistry) RegisterDefault(sf *SessionFactory) {
	r.Register("default", sf)
}

// Get returns the session factory registered under instanceName, or the
// default one.
func (r *FactoryRegistry) Get(instanceName ...string) (*SessionFactory, error) {
	name := "default"
	if len(instanceName) > 0 {
		name = instanceName[0]
	}
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	sf, ok := r.instances[name]
	if !ok {
		return nil, fmt.Errorf("%w: instance '%s'", ErrSessionFactoryNotFound, name)
	}
	return sf, nil
}

// MustGet is Get that panics on a missing instance.
func (r *FactoryRegistry) MustGet(instanceName ...string) *SessionFactory {
	sf, err := r.Get(instanceName...)
	if err != nil {
		panic(err)
	}
	return sf
}

// ListInstances returns the registered instance names, sorted.
func (r *FactoryRegistry) ListInstances() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove closes and forgets the session factory registered under
// instanceName.
func (r *FactoryRegistry) Remove(instanceName string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	sf, ok := r.instances[instanceName]
	if !ok {
		return fmt.Errorf("%w: instance '%s'", ErrSessionFactoryNotFound, instanceName)
	}
	if err := sf.Close(); err != nil {
		return fmt.Errorf("error closing session factory: %w", err)
	}
	delete(r.instances, instanceName)
	return nil
}

// RemoveAll closes and forgets every session factory.
func (r *FactoryRegistry) RemoveAll() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for name, sf := range r.instances {
		if err := sf.Close(); err != nil {
			return fmt.Errorf("error closing session factory %s: %w", name, err)
		}
	}
	r.instances = make(map[string]*SessionFactory)
	return nil
}

// openSQLExecutor opens a database/sql pool using Config.Driver as the
// driver name and Config.DSN as the data source. The driver package must
// be imported by the application.
func openSQLExecutor(config Config) (Executor, error) {
	dialect, err := ParseDialect(config.Driver)
	if err != nil {
		return nil, err
	}
	dsn, err := config.DSN()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(config.Driver, dsn)
	if err != nil {
		return nil, NewErrorWithCause(ErrorTypeConnection, "failed to open database", err)
	}
	ApplyPool(db, config)
	return NewSQLExecutor(db, dialect, WithQuotedIdentifiers(config.ORM.QuoteIdentifiers))
}

// ApplyPool copies the pool settings of config onto db.
func ApplyPool(db *sql.DB, config Config) {
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}
}
