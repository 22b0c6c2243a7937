package orm

import (
	"strings"
	"time"
)

// =====================================
// Core Types and Constants
// =====================================

// Config represents database connection configuration
type Config struct {
	// Connection details
	Driver        string `json:"driver" yaml:"driver"`
	ConnectionURL string `json:"connection_url" yaml:"connection_url"`
	Host          string `json:"host" yaml:"host"`
	Port          int    `json:"port" yaml:"port"`
	Database      string `json:"database" yaml:"database"`
	Username      string `json:"username" yaml:"username"`
	Password      string `json:"password" yaml:"password"`

	// Connection pool settings
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`

	// Additional options
	Options map[string]interface{} `json:"options" yaml:"options"`

	// SSL/TLS configuration
	SSL SSLConfig `json:"ssl" yaml:"ssl"`

	// Unit of work settings
	ORM Settings `json:"orm" yaml:"orm"`
}

// SSLConfig represents SSL/TLS configuration
type SSLConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Mode     string `json:"mode" yaml:"mode"`
	CertFile string `json:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" yaml:"key_file"`
	CAFile   string `json:"ca_file" yaml:"ca_file"`
}

// Settings tunes the persistence engine independently of the connection.
type Settings struct {
	// BatchSize caps the number of same-shape statements sent together.
	// One disables batching; zero selects the default.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// MaxCascadeEntities bounds the number of distinct entities a single
	// cascade walk may visit.
	MaxCascadeEntities int `json:"max_cascade_entities" yaml:"max_cascade_entities"`

	// DefaultSchema qualifies every table that does not name a schema.
	DefaultSchema string `json:"default_schema" yaml:"default_schema"`

	// QuoteIdentifiers asks renderers to quote every table and column name.
	QuoteIdentifiers bool `json:"quote_identifiers" yaml:"quote_identifiers"`

	// ShowSQL logs every executed statement at debug level.
	ShowSQL bool `json:"show_sql" yaml:"show_sql"`

	// SequenceAllocationSize is the block size for pooled sequence allocation.
	SequenceAllocationSize int `json:"sequence_allocation_size" yaml:"sequence_allocation_size"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// Status is the lifecycle state of an entity within a persistence context.
type Status int

const (
	StatusTransient Status = iota
	StatusManaged
	StatusReadOnly
	StatusDeleted
	StatusDetached
)

func (s Status) String() string {
	switch s {
	case StatusTransient:
		return "TRANSIENT"
	case StatusManaged:
		return "MANAGED"
	case StatusReadOnly:
		return "READ_ONLY"
	case StatusDeleted:
		return "DELETED"
	case StatusDetached:
		return "DETACHED"
	}
	return "UNKNOWN"
}

// LockMode represents the lock held on a managed entity
type LockMode string

const (
	LockNone                     LockMode = "NONE"
	LockOptimistic               LockMode = "OPTIMISTIC"
	LockOptimisticForceIncrement LockMode = "OPTIMISTIC_FORCE_INCREMENT"
	LockPessimisticWrite         LockMode = "PESSIMISTIC_WRITE"
)

// Operation is a cascadable entity operation.
type Operation uint8

const (
	OpPersist Operation = 1 << iota
	OpMerge
	OpRemove
	OpRefresh
	OpDetach
	OpLock
)

// CascadeAll enables every cascadable operation.
const CascadeAll = OpPersist | OpMerge | OpRemove | OpRefresh | OpDetach | OpLock

func (o Operation) String() string {
	switch o {
	case OpPersist:
		return "PERSIST"
	case OpMerge:
		return "MERGE"
	case OpRemove:
		return "REMOVE"
	case OpRefresh:
		return "REFRESH"
	case OpDetach:
		return "DETACH"
	case OpLock:
		return "LOCK"
	}
	var names []string
	for _, op := range []Operation{OpPersist, OpMerge, OpRemove, OpRefresh, OpDetach, OpLock} {
		if o&op != 0 {
			names = append(names, op.String())
		}
	}
	return strings.Join(names, "|")
}

// CascadeSet is the set of operations an association propagates.
type CascadeSet = Operation

// Includes reports whether op is part of the set.
func (o Operation) Includes(op Operation) bool {
	return o&op == op
}

// ParseOperation parses a cascade option name.
func ParseOperation(name string) (Operation, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "persist":
		return OpPersist, true
	case "merge":
		return OpMerge, true
	case "remove":
		return OpRemove, true
	case "refresh":
		return OpRefresh, true
	case "detach":
		return OpDetach, true
	case "lock":
		return OpLock, true
	case "all":
		return CascadeAll, true
	}
	return 0, false
}

// FetchType represents the loading strategy of an association
type FetchType string

const (
	FetchEager FetchType = "eager"
	FetchLazy  FetchType = "lazy"
)

// AssociationKind represents different types of entity relationships
type AssociationKind string

const (
	ManyToOne  AssociationKind = "many_to_one"
	OneToOne   AssociationKind = "one_to_one"
	OneToMany  AssociationKind = "one_to_many"
	ManyToMany AssociationKind = "many_to_many"
)

// IdentifierStrategy describes how entity identifiers are produced.
type IdentifierStrategy string

const (
	StrategyAssigned IdentifierStrategy = "assigned"
	StrategySequence IdentifierStrategy = "sequence"
	StrategyIdentity IdentifierStrategy = "identity"
	StrategyUUID     IdentifierStrategy = "uuid"
)

// ErrorType represents different types of errors that can occur
type ErrorType string

const (
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeDuplicate       ErrorType = "duplicate"
	ErrorTypeConnection      ErrorType = "connection"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeConstraint      ErrorType = "constraint"
	ErrorTypeTransaction     ErrorType = "transaction"
	ErrorTypeUnsupported     ErrorType = "unsupported"
	ErrorTypeInternal        ErrorType = "internal"
	ErrorTypeSerialization   ErrorType = "serialization"
	ErrorTypeInvalidArgument ErrorType = "invalid_argument"
	ErrorTypeDatabase        ErrorType = "database"

	ErrorTypeNonUniqueObject  ErrorType = "non_unique_object"
	ErrorTypeTransientObject  ErrorType = "transient_object"
	ErrorTypeStaleState       ErrorType = "stale_state"
	ErrorTypeCascadeExhausted ErrorType = "cascade_exhausted"
	ErrorTypeNullability      ErrorType = "nullability"
	ErrorTypeMapping          ErrorType = "mapping"
	ErrorTypeUnknownEntity    ErrorType = "unknown_entity"
	ErrorTypeDetached         ErrorType = "detached"
)
