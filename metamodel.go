package orm

import (
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/jinzhu/inflection"
)

// =====================================
// Metamodel
// =====================================

// Metamodel is the boot-time registry of entity metadata. It is immutable
// once built and safe for concurrent use.
type Metamodel struct {
	settings Settings
	byType   map[reflect.Type]*EntityMetadata
	byName   map[string]*EntityMetadata
	ordered  []*EntityMetadata
}

type tableNamer interface {
	TableName() string
}

var (
	timeType           = reflect.TypeOf(time.Time{})
	lazyCollectionType = reflect.TypeOf((*lazyCollection)(nil)).Elem()
)

// NewMetamodel compiles entity metadata from the given prototypes. Each
// prototype is a struct value or a pointer to one, described by `orm`
// struct tags.
func NewMetamodel(settings Settings, prototypes ...any) (*Metamodel, error) {
	mm := &Metamodel{
		settings: settings,
		byType:   make(map[reflect.Type]*EntityMetadata),
		byName:   make(map[string]*EntityMetadata),
	}

	for _, p := range prototypes {
		t := reflect.TypeOf(p)
		for t != nil && t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		if t == nil || t.Kind() != reflect.Struct {
			return nil, NewError(ErrorTypeMapping, fmt.Sprintf("entity prototype must be a struct, got %T", p))
		}
		if _, dup := mm.byName[t.Name()]; dup {
			return nil, NewError(ErrorTypeMapping, "duplicate entity name: "+t.Name())
		}
		meta := &EntityMetadata{Name: t.Name(), Type: t}
		mm.byType[t] = meta
		mm.byName[meta.Name] = meta
		mm.ordered = append(mm.ordered, meta)
	}

	for _, meta := range mm.ordered {
		b := &metaBuilder{mm: mm, meta: meta}
		if err := b.walk(meta.Type, nil, true); err != nil {
			return nil, err
		}
		if err := b.finish(); err != nil {
			return nil, err
		}
	}

	for _, meta := range mm.ordered {
		root := meta
		for root.Parent != nil {
			root = root.Parent
		}
		meta.Root = root
		if root != meta {
			root.Subtypes = append(root.Subtypes, meta)
		}
	}

	for _, meta := range mm.ordered {
		if err := mm.resolveTable(meta); err != nil {
			return nil, err
		}
	}
	for _, meta := range mm.ordered {
		if err := mm.resolveAssociations(meta); err != nil {
			return nil, err
		}
	}
	for _, meta := range mm.ordered {
		if meta.Root == meta {
			meta.columns = mm.hierarchyColumns(meta)
		}
	}
	return mm, nil
}

// Settings returns the settings the metamodel was compiled with.
func (mm *Metamodel) Settings() Settings {
	return mm.settings
}

// Entity returns the metadata registered under name.
func (mm *Metamodel) Entity(name string) (*EntityMetadata, error) {
	if meta, ok := mm.byName[name]; ok {
		return meta, nil
	}
	return nil, NewError(ErrorTypeUnknownEntity, "unknown entity: "+name)
}

// EntityOf returns the metadata of an entity instance. Typed nil pointers
// are accepted so a prototype like (*Book)(nil) resolves.
func (mm *Metamodel) EntityOf(entity any) (*EntityMetadata, error) {
	if entity == nil {
		return nil, NewError(ErrorTypeInvalidArgument, "entity must not be nil")
	}
	return mm.entityOfType(reflect.TypeOf(entity))
}

func (mm *Metamodel) entityOfType(t reflect.Type) (*EntityMetadata, error) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if meta, ok := mm.byType[t]; ok {
		return meta, nil
	}
	return nil, NewError(ErrorTypeUnknownEntity, "unknown entity type: "+t.String())
}

// Entities returns all metadata in registration order.
func (mm *Metamodel) Entities() []*EntityMetadata {
	out := make([]*EntityMetadata, len(mm.ordered))
	copy(out, mm.ordered)
	return out
}

func (mm *Metamodel) resolveTable(meta *EntityMetadata) error {
	if meta.Root != meta {
		return nil
	}
	name := snakeCase(meta.Name)
	name = inflection.Plural(name)
	if namer, ok := reflect.New(meta.Type).Interface().(tableNamer); ok {
		name = namer.TableName()
	}
	var table TableName
	if schema, tbl, ok := strings.Cut(name, "."); ok {
		table = TableName{Schema: schema, Name: tbl}
	} else {
		table = TableName{Schema: mm.settings.DefaultSchema, Name: name}
	}
	meta.Table = table
	for _, sub := range meta.Subtypes {
		sub.Table = table
	}
	if meta.Sequence == "" {
		meta.Sequence = table.Name + "_seq"
	}
	for _, sub := range meta.Subtypes {
		if sub.Strategy != meta.Strategy || (sub.Sequence != "" && sub.Sequence != meta.Sequence) {
			return NewError(ErrorTypeMapping, fmt.Sprintf("%s must share the identifier generation of %s", sub.Name, meta.Name))
		}
		sub.Sequence = meta.Sequence
	}
	return nil
}

func (mm *Metamodel) resolveAssociations(meta *EntityMetadata) error {
	for _, a := range meta.Associations {
		if a.Target == nil {
			target, ok := mm.byName[a.targetName]
			if !ok {
				return NewError(ErrorTypeMapping, fmt.Sprintf("%s.%s targets unknown entity %q", meta.Name, a.Name, a.targetName))
			}
			a.Target = target
		}
		if a.fieldType.Kind() == reflect.Interface && !reflect.PointerTo(a.Target.Type).Implements(a.fieldType) {
			return NewError(ErrorTypeMapping, fmt.Sprintf("%s.%s: %s does not implement %s", meta.Name, a.Name, a.Target.Name, a.fieldType))
		}

		if a.MappedBy != "" {
			back := a.Target.Association(a.MappedBy)
			if back == nil {
				return NewError(ErrorTypeMapping, fmt.Sprintf("%s.%s is mapped by unknown attribute %s.%s", meta.Name, a.Name, a.Target.Name, a.MappedBy))
			}
			if !back.IsOwning() {
				return NewError(ErrorTypeMapping, fmt.Sprintf("%s.%s and %s.%s are both inverse sides", meta.Name, a.Name, a.Target.Name, back.Name))
			}
			if !pairedKinds(a.Kind, back.Kind) {
				return NewError(ErrorTypeMapping, fmt.Sprintf("%s.%s (%s) cannot be mapped by %s.%s (%s)", meta.Name, a.Name, a.Kind, a.Target.Name, back.Name, back.Kind))
			}
			a.Inverse = back
			back.Inverse = a
			continue
		}

		if a.UsesJoinTable() {
			if a.joinTable != "" {
				if schema, tbl, ok := strings.Cut(a.joinTable, "."); ok {
					a.JoinTable = TableName{Schema: schema, Name: tbl}
				} else {
					a.JoinTable = TableName{Schema: meta.Table.Schema, Name: a.joinTable}
				}
			} else {
				a.JoinTable = TableName{Schema: meta.Table.Schema, Name: meta.Table.Name + "_" + snakeCase(a.Name)}
			}
			if a.JoinColumn == "" {
				a.JoinColumn = snakeCase(meta.Root.Name) + "_id"
			}
			if a.InverseJoinColumn == "" {
				a.InverseJoinColumn = inflection.Singular(snakeCase(a.Name)) + "_id"
			}
			if a.InverseJoinColumn == a.JoinColumn {
				a.InverseJoinColumn = "inverse_" + a.InverseJoinColumn
			}
		}
	}
	return nil
}

func pairedKinds(inverse, owning AssociationKind) bool {
	switch inverse {
	case OneToMany:
		return owning == ManyToOne
	case OneToOne:
		return owning == OneToOne
	case ManyToMany:
		return owning == ManyToMany
	}
	return false
}

func (mm *Metamodel) hierarchyColumns(root *EntityMetadata) []string {
	seen := make(map[string]bool)
	var cols []string
	add := func(m *EntityMetadata) {
		for _, c := range m.ownColumns() {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	add(root)
	for _, sub := range root.Subtypes {
		add(sub)
	}
	return cols
}

// metaBuilder flattens one struct type, including its embedded supertypes,
// into an EntityMetadata.
type metaBuilder struct {
	mm      *Metamodel
	meta    *EntityMetadata
	idTag   tagOptions
	columns map[string]string
}

func (b *metaBuilder) walk(t reflect.Type, index []int, top bool) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		idx := append(append([]int(nil), index...), i)
		tag := f.Tag.Get("orm")
		if tag == "-" {
			continue
		}

		if f.Anonymous {
			if f.Type.Kind() == reflect.Ptr {
				return b.errorf("embedded supertype %s must be embedded by value", f.Type.Elem().Name())
			}
			if f.Type.Kind() != reflect.Struct {
				continue
			}
			if err := b.superclass(f.Type, top); err != nil {
				return err
			}
			if err := b.walk(f.Type, idx, false); err != nil {
				return err
			}
			continue
		}
		if !f.IsExported() {
			continue
		}

		opts := parseTag(tag)
		switch {
		case opts.has("embedded"):
			if err := b.embedded(f, idx); err != nil {
				return err
			}
		case opts.has("id"):
			if b.meta.Identifier != nil {
				return b.errorf("multiple identifiers: %s and %s", b.meta.Identifier.Name, f.Name)
			}
			attr, err := b.attribute(f.Name, f.Type, idx, opts, "")
			if err != nil {
				return err
			}
			b.meta.Identifier = attr
			b.idTag = opts
		case opts.has("version"):
			if b.meta.Version != nil {
				return b.errorf("multiple version attributes")
			}
			if !isVersionType(f.Type) {
				return b.errorf("version attribute %s must be an integer or time.Time", f.Name)
			}
			attr, err := b.attribute(f.Name, f.Type, idx, opts, "")
			if err != nil {
				return err
			}
			b.meta.Version = attr
		default:
			if kind, ok := opts.associationKind(); ok {
				if err := b.association(f, idx, kind, opts); err != nil {
					return err
				}
				continue
			}
			if b.referencesEntity(f.Type) {
				return b.errorf("field %s references an entity without an association tag", f.Name)
			}
			attr, err := b.attribute(f.Name, f.Type, idx, opts, "")
			if err != nil {
				return err
			}
			b.meta.Attributes = append(b.meta.Attributes, attr)
		}
	}
	return nil
}

func (b *metaBuilder) superclass(t reflect.Type, top bool) error {
	b.meta.Superclasses = append(b.meta.Superclasses, t.Name())
	parent, ok := b.mm.byType[t]
	if !ok {
		return nil
	}
	if !top {
		return nil
	}
	if b.meta.Parent != nil {
		return b.errorf("multiple entity supertypes: %s and %s", b.meta.Parent.Name, parent.Name)
	}
	b.meta.Parent = parent
	return nil
}

func (b *metaBuilder) embedded(f reflect.StructField, index []int) error {
	t := f.Type
	if t.Kind() != reflect.Struct || t == timeType {
		return b.errorf("embedded field %s must be a struct", f.Name)
	}
	prefix := snakeCase(f.Name) + "_"
	for i := 0; i < t.NumField(); i++ {
		cf := t.Field(i)
		if !cf.IsExported() {
			continue
		}
		tag := cf.Tag.Get("orm")
		if tag == "-" {
			continue
		}
		opts := parseTag(tag)
		if _, ok := opts.associationKind(); ok || opts.has("id") || opts.has("version") || opts.has("embedded") {
			return b.errorf("embeddable %s.%s may only hold basic attributes", t.Name(), cf.Name)
		}
		idx := append(append([]int(nil), index...), i)
		attr, err := b.attribute(f.Name+"."+cf.Name, cf.Type, idx, opts, prefix)
		if err != nil {
			return err
		}
		b.meta.Attributes = append(b.meta.Attributes, attr)
	}
	return nil
}

func (b *metaBuilder) attribute(name string, t reflect.Type, index []int, opts tagOptions, prefix string) (*Attribute, error) {
	column := opts.value("column")
	if column == "" {
		field := name
		if i := strings.LastIndex(name, "."); i >= 0 {
			field = name[i+1:]
		}
		column = snakeCase(field)
	}
	column = prefix + column
	if err := b.claimColumn(column, name); err != nil {
		return nil, err
	}
	return &Attribute{
		Name:     name,
		Column:   column,
		Type:     t,
		Nullable: opts.has("nullable") || t.Kind() == reflect.Ptr,
		index:    index,
	}, nil
}

func (b *metaBuilder) association(f reflect.StructField, index []int, kind AssociationKind, opts tagOptions) error {
	a := &AssociationMetadata{
		Name:              f.Name,
		Kind:              kind,
		MappedBy:          opts.value("mapped_by"),
		Optional:          opts.has("optional"),
		OrphanRemoval:     opts.has("orphan_removal"),
		Fetch:             FetchEager,
		JoinColumn:        opts.value("join_column"),
		InverseJoinColumn: opts.value("inverse_join_column"),
		index:             index,
		targetName:        opts.value("target"),
		joinTable:         opts.value("join_table"),
	}

	if cascade := opts.value("cascade"); cascade != "" {
		for _, name := range strings.Split(cascade, "|") {
			op, ok := ParseOperation(name)
			if !ok {
				return b.errorf("%s: unknown cascade operation %q", f.Name, name)
			}
			a.Cascade |= op
		}
	}
	if fetch := opts.value("fetch"); fetch != "" {
		switch FetchType(fetch) {
		case FetchEager, FetchLazy:
			a.Fetch = FetchType(fetch)
		default:
			return b.errorf("%s: unknown fetch type %q", f.Name, fetch)
		}
	}

	ft := f.Type
	var ref reflect.Type
	switch {
	case ft.Kind() == reflect.Ptr && ft.Implements(lazyCollectionType):
		a.container = containerLazy
		ref = reflect.New(ft.Elem()).Interface().(lazyCollection).elementType()
		if opts.value("fetch") == "" {
			a.Fetch = FetchLazy
		}
	case ft.Kind() == reflect.Slice:
		a.container = containerSlice
		ref = ft.Elem()
	case ft.Kind() == reflect.Ptr || ft.Kind() == reflect.Interface:
		a.container = containerSingle
		ref = ft
	default:
		return b.errorf("%s: unsupported association type %s", f.Name, ft)
	}

	collection := kind == OneToMany || kind == ManyToMany
	if collection != a.IsCollection() {
		return b.errorf("%s: %s association cannot be held in %s", f.Name, kind, ft)
	}

	a.fieldType = ref
	switch {
	case ref.Kind() == reflect.Ptr && ref.Elem().Kind() == reflect.Struct:
		target, ok := b.mm.byType[ref.Elem()]
		if !ok {
			return b.errorf("%s targets unregistered type %s", f.Name, ref.Elem())
		}
		a.Target = target
	case ref.Kind() == reflect.Interface:
		if a.targetName == "" {
			return b.errorf("%s: interface-typed association needs target=<Entity>", f.Name)
		}
	default:
		return b.errorf("%s: association element must be a struct pointer or interface, got %s", f.Name, ref)
	}

	if a.OrphanRemoval {
		if kind != OneToMany && kind != OneToOne {
			return b.errorf("%s: orphan_removal applies to one_to_many and one_to_one only", f.Name)
		}
		a.Cascade |= OpRemove
	}

	if a.WritesForeignKey() {
		a.Column = opts.value("column")
		if a.Column == "" {
			a.Column = snakeCase(f.Name) + "_id"
		}
		if err := b.claimColumn(a.Column, f.Name); err != nil {
			return err
		}
	}
	b.meta.Associations = append(b.meta.Associations, a)
	return nil
}

func (b *metaBuilder) finish() error {
	if b.meta.Identifier == nil {
		return b.errorf("no identifier attribute")
	}
	strategy := IdentifierStrategy(b.idTag.value("strategy"))
	switch strategy {
	case "":
		strategy = StrategyAssigned
	case StrategyAssigned, StrategySequence, StrategyIdentity, StrategyUUID:
	default:
		return b.errorf("unknown identifier strategy %q", strategy)
	}
	b.meta.Strategy = strategy
	b.meta.Sequence = b.idTag.value("sequence")
	return nil
}

func (b *metaBuilder) claimColumn(column, attr string) error {
	if b.columns == nil {
		b.columns = make(map[string]string)
	}
	if other, ok := b.columns[column]; ok {
		return b.errorf("column %s is mapped by both %s and %s", column, other, attr)
	}
	b.columns[column] = attr
	return nil
}

func (b *metaBuilder) referencesEntity(t reflect.Type) bool {
	for t.Kind() == reflect.Ptr || t.Kind() == reflect.Slice {
		t = t.Elem()
	}
	_, ok := b.mm.byType[t]
	return ok
}

func (b *metaBuilder) errorf(format string, args ...any) error {
	return NewError(ErrorTypeMapping, b.meta.Name+": "+fmt.Sprintf(format, args...))
}

func isVersionType(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return t == timeType
}

// snakeCase converts a Go identifier to snake_case, keeping acronyms
// together ("UserID" -> "user_id", "HTTPServer" -> "http_server").
func snakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
