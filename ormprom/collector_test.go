package ormprom

import (
	"context"
	"strings"
	"testing"

	"github.com/lemmego/orm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Sensor struct {
	ID   int64 `orm:"id"`
	Name string
}

// discardExecutor accepts every statement and returns no rows.
type discardExecutor struct{}

func (discardExecutor) Exec(context.Context, orm.Statement) (orm.Result, error) {
	return orm.Result{RowsAffected: 1}, nil
}

func (discardExecutor) Query(context.Context, orm.Statement) ([]orm.Row, error) {
	return nil, nil
}

func newFactory(t *testing.T) *orm.SessionFactory {
	t.Helper()
	mm, err := orm.NewMetamodel(orm.Settings{}, &Sensor{})
	require.NoError(t, err)
	f, err := orm.NewSessionFactory(mm, discardExecutor{})
	require.NoError(t, err)
	return f
}

func TestCollector(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t)

	err := f.InTransaction(ctx, func(s *orm.Session) error {
		if err := s.Persist(ctx, &Sensor{ID: 1, Name: "boiler"}); err != nil {
			return err
		}
		return s.Persist(ctx, &Sensor{ID: 2, Name: "chiller"})
	})
	require.NoError(t, err)

	c := NewCollector("plant", f.Statistics(), prometheus.Labels{"instance": "primary"})
	assert.Equal(t, 15, testutil.CollectAndCount(c))

	expected := `
# HELP plant_orm_entity_operations_total Entity rows written or loaded.
# TYPE plant_orm_entity_operations_total counter
plant_orm_entity_operations_total{instance="primary",operation="delete"} 0
plant_orm_entity_operations_total{instance="primary",operation="insert"} 2
plant_orm_entity_operations_total{instance="primary",operation="load"} 0
plant_orm_entity_operations_total{instance="primary",operation="update"} 0
# HELP plant_orm_transactions_total Finished transactions.
# TYPE plant_orm_transactions_total counter
plant_orm_transactions_total{instance="primary",outcome="commit"} 1
plant_orm_transactions_total{instance="primary",outcome="rollback"} 0
# HELP plant_orm_sessions_total Sessions opened or closed.
# TYPE plant_orm_sessions_total counter
plant_orm_sessions_total{event="closed",instance="primary"} 1
plant_orm_sessions_total{event="opened",instance="primary"} 1
`
	err = testutil.CollectAndCompare(c, strings.NewReader(expected),
		"plant_orm_entity_operations_total",
		"plant_orm_transactions_total",
		"plant_orm_sessions_total",
	)
	assert.NoError(t, err)
}

func TestRegister(t *testing.T) {
	f := newFactory(t)
	reg := prometheus.NewPedanticRegistry()

	_, err := Register(reg, "plant", f)
	require.NoError(t, err)

	_, err = Register(reg, "plant", f)
	var already prometheus.AlreadyRegisteredError
	assert.ErrorAs(t, err, &already)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "plant_orm_flushes_total")
	assert.Contains(t, names, "plant_orm_flush_latency_seconds")
	assert.Contains(t, names, "plant_orm_batches_total")
}
