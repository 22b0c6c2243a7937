// Package ormmongo runs unit-of-work statements against MongoDB. Tables map
// to collections and columns to top-level document fields.
package ormmongo

import (
	"context"

	"github.com/lemmego/orm"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// =====================================
// Executor Implementation
// =====================================

// Executor implements orm.Executor on a MongoDB database. Identity
// columns are filled from counters kept by a SequenceSource, since
// MongoDB has no auto-increment.
type Executor struct {
	client   *mongo.Client
	database *mongo.Database
	counters *SequenceSource
}

// NewExecutor creates an executor on database. Counters for generated
// identifiers are kept in the "orm_sequences" collection.
func NewExecutor(client *mongo.Client, database *mongo.Database) *Executor {
	return &Executor{
		client:   client,
		database: database,
		counters: NewSequenceSource(database.Collection(DefaultSequenceCollection)),
	}
}

// Database returns the MongoDB database.
func (e *Executor) Database() *mongo.Database {
	return e.database
}

// Sequences returns the counter store, usable as an orm.BlockSource.
func (e *Executor) Sequences() *SequenceSource {
	return e.counters
}

func (e *Executor) collection(t orm.TableName) *mongo.Collection {
	return e.database.Collection(t.String())
}

// Exec runs an insert, update or delete.
func (e *Executor) Exec(ctx context.Context, stmt orm.Statement) (orm.Result, error) {
	coll := e.collection(stmt.Table)
	switch stmt.Kind {
	case orm.StatementInsert:
		doc := document(stmt.Values)
		var generated any
		if stmt.GeneratedColumn != "" {
			id, err := e.counters.NextBlock(ctx, stmt.Table.String()+"."+stmt.GeneratedColumn, 1)
			if err != nil {
				return orm.Result{}, err
			}
			doc = append(doc, bson.E{Key: stmt.GeneratedColumn, Value: id})
			generated = id
		}
		if _, err := coll.InsertOne(ctx, doc); err != nil {
			return orm.Result{}, convertMongoError(err)
		}
		return orm.Result{RowsAffected: 1, GeneratedID: generated}, nil

	case orm.StatementUpdate:
		res, err := coll.UpdateMany(ctx, filter(stmt.Where), bson.D{{Key: "$set", Value: document(stmt.Values)}})
		if err != nil {
			return orm.Result{}, convertMongoError(err)
		}
		return orm.Result{RowsAffected: res.MatchedCount}, nil

	case orm.StatementDelete:
		res, err := coll.DeleteMany(ctx, filter(stmt.Where))
		if err != nil {
			return orm.Result{}, convertMongoError(err)
		}
		return orm.Result{RowsAffected: res.DeletedCount}, nil
	}
	return orm.Result{}, orm.NewError(orm.ErrorTypeUnsupported, "cannot execute "+stmt.Kind.String())
}

// Query runs a select. ForUpdate is ignored.
func (e *Executor) Query(ctx context.Context, stmt orm.Statement) ([]orm.Row, error) {
	opts := options.Find()
	if len(stmt.Columns) > 0 {
		projection := bson.D{}
		for _, c := range stmt.Columns {
			projection = append(projection, bson.E{Key: c, Value: 1})
		}
		opts.SetProjection(projection)
	}
	if len(stmt.OrderBy) > 0 {
		sort := bson.D{}
		for _, c := range stmt.OrderBy {
			sort = append(sort, bson.E{Key: c, Value: 1})
		}
		opts.SetSort(sort)
	}

	cursor, err := e.collection(stmt.Table).Find(ctx, filter(stmt.Where), opts)
	if err != nil {
		return nil, convertMongoError(err)
	}
	defer cursor.Close(ctx)

	var rows []orm.Row
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, orm.NewErrorWithCause(orm.ErrorTypeSerialization, "failed to decode document", err)
		}
		delete(doc, "_id")
		rows = append(rows, orm.Row(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, convertMongoError(err)
	}
	return rows, nil
}

// Health pings the server.
func (e *Executor) Health() error {
	return convertMongoError(e.client.Ping(context.Background(), nil))
}

// Close disconnects the client.
func (e *Executor) Close() error {
	return e.client.Disconnect(context.Background())
}

func document(cols []orm.Column) bson.D {
	doc := make(bson.D, 0, len(cols))
	for _, c := range cols {
		doc = append(doc, bson.E{Key: c.Name, Value: c.Value})
	}
	return doc
}

// filter builds an equality filter. A nil value matches null or missing
// fields.
func filter(where []orm.Column) bson.D {
	f := bson.D{}
	for _, c := range where {
		f = append(f, bson.E{Key: c.Name, Value: c.Value})
	}
	return f
}
