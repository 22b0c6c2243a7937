package orm

import (
	"reflect"
	"strings"
)

// =====================================
// Entity Metadata
// =====================================

// DiscriminatorColumn holds the concrete entity name for hierarchies that
// share a table.
const DiscriminatorColumn = "dtype"

// TableName is a possibly schema-qualified table.
type TableName struct {
	Schema string
	Name   string
}

func (t TableName) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Attribute describes a mapped scalar field.
type Attribute struct {
	Name     string
	Column   string
	Type     reflect.Type
	Nullable bool

	index []int
}

// Get returns the column value of the attribute on entity.
func (a *Attribute) Get(entity any) any {
	return columnValue(fieldByIndex(entity, a.index))
}

// Set assigns a database value to the attribute on entity.
func (a *Attribute) Set(entity any, value any) error {
	if err := assignValue(fieldByIndex(entity, a.index), value); err != nil {
		return NewErrorWithCause(ErrorTypeSerialization, "cannot assign "+a.Name, err)
	}
	return nil
}

type containerKind int

const (
	containerSingle containerKind = iota
	containerSlice
	containerLazy
)

// AssociationMetadata describes a relationship to another entity.
type AssociationMetadata struct {
	Name     string
	Kind     AssociationKind
	Target   *EntityMetadata
	Cascade  CascadeSet
	Fetch    FetchType
	MappedBy string

	// Inverse is the other side of a bidirectional association, if any.
	Inverse *AssociationMetadata

	// Column is the foreign key column written by an owning single-valued
	// association.
	Column   string
	Optional bool

	JoinTable         TableName
	JoinColumn        string
	InverseJoinColumn string
	OrphanRemoval     bool

	index      []int
	container  containerKind
	fieldType  reflect.Type
	targetName string
	joinTable  string
}

// IsCollection reports whether the association holds many targets.
func (a *AssociationMetadata) IsCollection() bool {
	return a.container != containerSingle
}

// IsOwning reports whether this side drives the database representation.
func (a *AssociationMetadata) IsOwning() bool {
	return a.MappedBy == ""
}

// WritesForeignKey reports whether the association owns a foreign key column
// on the declaring entity's table.
func (a *AssociationMetadata) WritesForeignKey() bool {
	return !a.IsCollection() && a.IsOwning()
}

// UsesJoinTable reports whether the association is stored in a join table.
func (a *AssociationMetadata) UsesJoinTable() bool {
	return a.IsCollection() && a.IsOwning()
}

// Reference returns the single target referenced by entity, or nil.
func (a *AssociationMetadata) Reference(entity any) any {
	v := fieldByIndex(entity, a.index)
	if v.IsNil() {
		return nil
	}
	return v.Interface()
}

// SetReference points the association at target; a nil target clears it.
func (a *AssociationMetadata) SetReference(entity, target any) {
	v := fieldByIndex(entity, a.index)
	if target == nil {
		v.Set(reflect.Zero(v.Type()))
		return
	}
	v.Set(reflect.ValueOf(target))
}

// EntityMetadata is the flattened, immutable description of an entity type.
type EntityMetadata struct {
	Name  string
	Type  reflect.Type
	Table TableName

	// Superclasses lists embedded supertypes, nearest first. Entity and
	// mapped superclasses both appear.
	Superclasses []string

	Parent   *EntityMetadata
	Root     *EntityMetadata
	Subtypes []*EntityMetadata

	Identifier *Attribute
	Strategy   IdentifierStrategy
	Sequence   string
	Version    *Attribute

	Attributes   []*Attribute
	Associations []*AssociationMetadata

	columns []string
}

// New returns a pointer to a new zero instance.
func (m *EntityMetadata) New() any {
	return reflect.New(m.Type).Interface()
}

// ID returns the identifier value of entity.
func (m *EntityMetadata) ID(entity any) any {
	return m.Identifier.Get(entity)
}

// SetID assigns the identifier of entity.
func (m *EntityMetadata) SetID(entity any, id any) error {
	return m.Identifier.Set(entity, id)
}

// CoerceID converts id to the identifier's Go type and normalizes it for
// use in an EntityKey.
func (m *EntityMetadata) CoerceID(id any) (any, error) {
	if id == nil {
		return nil, NewError(ErrorTypeInvalidArgument, "identifier must not be nil")
	}
	v := reflect.New(m.Identifier.Type).Elem()
	if err := assignValue(v, id); err != nil {
		return nil, NewErrorWithCause(ErrorTypeInvalidArgument, "invalid identifier for "+m.Name, err)
	}
	return normalizeID(columnValue(v)), nil
}

// Key returns the identity of entity within a persistence context.
func (m *EntityMetadata) Key(entity any) EntityKey {
	return EntityKey{Entity: m.Root.Name, ID: normalizeID(m.ID(entity))}
}

// PostInsertID reports whether identifiers are only known after insert.
func (m *EntityMetadata) PostInsertID() bool {
	return m.Strategy == StrategyIdentity
}

// IsSubtypeOf reports whether m is other or inherits from it.
func (m *EntityMetadata) IsSubtypeOf(other *EntityMetadata) bool {
	for cur := m; cur != nil; cur = cur.Parent {
		if cur == other {
			return true
		}
	}
	return false
}

// HasDiscriminator reports whether the hierarchy shares a table among
// several entities.
func (m *EntityMetadata) HasDiscriminator() bool {
	return len(m.Root.Subtypes) > 0
}

// Attribute looks up a scalar attribute by name.
func (m *EntityMetadata) Attribute(name string) *Attribute {
	for _, a := range m.Attributes {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// Association looks up an association by name.
func (m *EntityMetadata) Association(name string) *AssociationMetadata {
	for _, a := range m.Associations {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// Columns returns every column selected when loading an entity of this
// hierarchy.
func (m *EntityMetadata) Columns() []string {
	return m.Root.columns
}

func (m *EntityMetadata) ownColumns() []string {
	cols := []string{m.Identifier.Column}
	if m.HasDiscriminator() {
		cols = append(cols, DiscriminatorColumn)
	}
	for _, a := range m.Attributes {
		cols = append(cols, a.Column)
	}
	if m.Version != nil {
		cols = append(cols, m.Version.Column)
	}
	for _, a := range m.Associations {
		if a.WritesForeignKey() {
			cols = append(cols, a.Column)
		}
	}
	return cols
}

func (m *EntityMetadata) String() string {
	return m.Name
}

type tagOptions struct {
	flags  map[string]bool
	values map[string]string
	order  []string
}

func parseTag(tag string) tagOptions {
	opts := tagOptions{flags: map[string]bool{}, values: map[string]string{}}
	if tag == "" {
		return opts
	}
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if k, v, ok := strings.Cut(part, "="); ok {
			opts.values[strings.TrimSpace(k)] = strings.TrimSpace(v)
			continue
		}
		opts.flags[part] = true
		opts.order = append(opts.order, part)
	}
	return opts
}

func (o tagOptions) has(flag string) bool {
	return o.flags[flag]
}

func (o tagOptions) value(key string) string {
	return o.values[key]
}

func (o tagOptions) associationKind() (AssociationKind, bool) {
	for _, k := range []AssociationKind{ManyToOne, OneToOne, OneToMany, ManyToMany} {
		if o.flags[string(k)] {
			return k, true
		}
	}
	return "", false
}
