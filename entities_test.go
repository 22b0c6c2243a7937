package orm

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Eight entities wired into a circle of bidirectional and unidirectional
// associations, all cascading everything, with sequence identifiers.

type CircleA struct {
	ID          int64      `orm:"id,strategy=sequence"`
	BCollection []*CircleB `orm:"one_to_many,mapped_by=A,cascade=all"`
	CCollection []*CircleC `orm:"one_to_many,mapped_by=A,cascade=all"`
	DCollection []*CircleD `orm:"many_to_many,cascade=all"`
}

func (CircleA) TableName() string { return "circle_a" }

type CircleB struct {
	ID          int64      `orm:"id,strategy=sequence"`
	A           *CircleA   `orm:"many_to_one,cascade=all"`
	CCollection []*CircleC `orm:"one_to_many,mapped_by=B,cascade=all"`
	F           *CircleF   `orm:"many_to_one,cascade=all"`
}

func (CircleB) TableName() string { return "circle_b" }

type CircleC struct {
	ID int64    `orm:"id,strategy=sequence"`
	A  *CircleA `orm:"many_to_one,cascade=all"`
	B  *CircleB `orm:"many_to_one,cascade=all"`
	G  *CircleG `orm:"many_to_one,cascade=all"`
}

func (CircleC) TableName() string { return "circle_c" }

type CircleD struct {
	ID          int64      `orm:"id,strategy=sequence"`
	ACollection []*CircleA `orm:"many_to_many,mapped_by=DCollection,cascade=all"`
	ECollection []*CircleE `orm:"one_to_many,cascade=all"`
}

func (CircleD) TableName() string { return "circle_d" }

type CircleE struct {
	ID int64    `orm:"id,strategy=sequence"`
	F  *CircleF `orm:"many_to_one,cascade=all"`
}

func (CircleE) TableName() string { return "circle_e" }

type CircleF struct {
	ID          int64      `orm:"id,strategy=sequence"`
	BCollection []*CircleB `orm:"one_to_many,mapped_by=F,cascade=all"`
	H           *CircleH   `orm:"one_to_one,cascade=all"`
}

func (CircleF) TableName() string { return "circle_f" }

type CircleG struct {
	ID          int64      `orm:"id,strategy=sequence"`
	CCollection []*CircleC `orm:"one_to_many,mapped_by=G,cascade=all"`
}

func (CircleG) TableName() string { return "circle_g" }

type CircleH struct {
	ID int64    `orm:"id,strategy=sequence"`
	G  *CircleG `orm:"many_to_one,cascade=all"`
}

func (CircleH) TableName() string { return "circle_h" }

type circle struct {
	a *CircleA
	b *CircleB
	c *CircleC
	d *CircleD
	e *CircleE
	f *CircleF
	g *CircleG
	h *CircleH
}

func newCircle() circle {
	x := circle{
		a: &CircleA{}, b: &CircleB{}, c: &CircleC{}, d: &CircleD{},
		e: &CircleE{}, f: &CircleF{}, g: &CircleG{}, h: &CircleH{},
	}
	x.a.BCollection = append(x.a.BCollection, x.b)
	x.b.A = x.a

	x.a.CCollection = append(x.a.CCollection, x.c)
	x.c.A = x.a

	x.b.CCollection = append(x.b.CCollection, x.c)
	x.c.B = x.b

	x.a.DCollection = append(x.a.DCollection, x.d)
	x.d.ACollection = append(x.d.ACollection, x.a)

	x.d.ECollection = append(x.d.ECollection, x.e)
	x.e.F = x.f

	x.f.BCollection = append(x.f.BCollection, x.b)
	x.b.F = x.f

	x.c.G = x.g
	x.g.CCollection = append(x.g.CCollection, x.c)

	x.f.H = x.h
	x.h.G = x.g
	return x
}

func (x circle) all() []any {
	return []any{x.a, x.b, x.c, x.d, x.e, x.f, x.g, x.h}
}

// Library model.

type Author struct {
	ID    int64   `orm:"id,strategy=identity"`
	Name  string  `orm:"column=full_name"`
	Books []*Book `orm:"one_to_many,mapped_by=Author,cascade=all,orphan_removal"`
}

type Book struct {
	ID        int64 `orm:"id,strategy=sequence"`
	Title     string
	Published time.Time
	Tags      []string
	Version   int     `orm:"version"`
	Author    *Author `orm:"many_to_one"`
}

type Country struct {
	ID   int64 `orm:"id"`
	Name string
}

type City struct {
	ID      int64 `orm:"id"`
	Name    string
	Country *Country `orm:"many_to_one"`
}

// Parcel has a required, non-cascading reference to a Shipment whose
// identifier is known before insert.
type Shipment struct {
	ID   int64 `orm:"id,strategy=sequence"`
	Code string
}

type Parcel struct {
	ID       int64     `orm:"id"`
	Shipment *Shipment `orm:"many_to_one"`
}

// Person has an optional foreign key to another Person.
type Person struct {
	ID      int64 `orm:"id,strategy=identity"`
	Name    string
	Partner *Person `orm:"one_to_one,optional"`
}

// Ring has a required foreign key to another Ring.
type Ring struct {
	ID   int64 `orm:"id"`
	Next *Ring `orm:"many_to_one"`
}

type Link struct {
	ID   int64 `orm:"id,strategy=sequence"`
	Next *Link `orm:"many_to_one,optional,cascade=persist"`
}

type Vehicle struct {
	ID     int64 `orm:"id"`
	Wheels int
}

type Car struct {
	Vehicle
	Seats int
}

type Shelf struct {
	ID    int64                   `orm:"id"`
	Label string                  `orm:"nullable"`
	Items *Collection[*ShelfItem] `orm:"one_to_many,mapped_by=Shelf,cascade=all"`
}

// Route owns a lazily loaded join table collection.
type Route struct {
	ID        int64                 `orm:"id"`
	Countries *Collection[*Country] `orm:"many_to_many"`
}

type ShelfItem struct {
	ID    int64 `orm:"id"`
	Name  string
	Shelf *Shelf `orm:"many_to_one"`
}

type OrphanOwner struct {
	ID    int64        `orm:"id,strategy=identity"`
	Child *OrphanChild `orm:"one_to_one,orphan_removal"`
}

type OrphanChild struct {
	ID    int64        `orm:"id,strategy=identity"`
	Owner *OrphanOwner `orm:"one_to_one,mapped_by=Child"`
}

type Ticket struct {
	ID      string `orm:"id,strategy=uuid"`
	Subject string
	Events  []string `orm:"-"`
}

func (t *Ticket) PrePersist(context.Context) error {
	t.Events = append(t.Events, "pre-persist")
	return nil
}

func (t *Ticket) PostPersist(context.Context) error {
	t.Events = append(t.Events, "post-persist")
	return nil
}

func (t *Ticket) PreUpdate(context.Context) error {
	t.Events = append(t.Events, "pre-update")
	return nil
}

func (t *Ticket) PostLoad(context.Context) error {
	t.Events = append(t.Events, "post-load")
	return nil
}

func testPrototypes() []any {
	return []any{
		&CircleA{}, &CircleB{}, &CircleC{}, &CircleD{}, &CircleE{}, &CircleF{}, &CircleG{}, &CircleH{},
		&Author{}, &Book{}, &Country{}, &City{}, &Person{}, &Ring{}, &Link{},
		&Vehicle{}, &Car{}, &Shelf{}, &ShelfItem{}, &OrphanOwner{}, &OrphanChild{}, &Ticket{},
		&Shipment{}, &Parcel{}, &Route{},
	}
}

func newTestMetamodel(t *testing.T, settings Settings) *Metamodel {
	t.Helper()
	mm, err := NewMetamodel(settings, testPrototypes()...)
	require.NoError(t, err)
	return mm
}

func newTestFactory(t *testing.T, exec Executor, opts ...Option) *SessionFactory {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	f, err := NewSessionFactory(newTestMetamodel(t, Settings{}), exec, opts...)
	require.NoError(t, err)
	return f
}

func openSession(t *testing.T, f *SessionFactory) *Session {
	t.Helper()
	s, err := f.OpenSession()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func tableOf(t *testing.T, f *SessionFactory, proto any) string {
	t.Helper()
	meta, err := f.Metamodel().EntityOf(proto)
	require.NoError(t, err)
	return meta.Table.String()
}
