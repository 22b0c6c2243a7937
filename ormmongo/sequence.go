package ormmongo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultSequenceCollection holds one counter document per sequence.
const DefaultSequenceCollection = "orm_sequences"

// SequenceSource reserves sequence blocks with an atomic $inc upsert. It
// implements orm.BlockSource.
type SequenceSource struct {
	coll *mongo.Collection
}

// NewSequenceSource keeps counters in coll.
func NewSequenceSource(coll *mongo.Collection) *SequenceSource {
	return &SequenceSource{coll: coll}
}

type counter struct {
	ID    string `bson:"_id"`
	Value int64  `bson:"value"`
}

// NextBlock reserves size values of sequence and returns the first.
func (s *SequenceSource) NextBlock(ctx context.Context, sequence string, size int) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var c counter
	err := s.coll.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: sequence}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(size)}}}},
		opts,
	).Decode(&c)
	if err != nil {
		return 0, convertMongoError(err)
	}
	return c.Value - int64(size) + 1, nil
}
