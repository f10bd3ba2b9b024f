package mongo

import (
	"encoding/json"
	"fmt"

	"github.com/syntrixbase/feedrelay/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// parsePipeline reads a JSON array of stages as relaxed extended JSON.
// Key order inside each stage is preserved, which matters for $sort.
func parsePipeline(raw json.RawMessage) (mongo.Pipeline, error) {
	if store.IsEmptyJSON(raw) {
		return mongo.Pipeline{}, nil
	}

	// Extended JSON must be a document at the top level.
	wrapped := make([]byte, 0, len(raw)+12)
	wrapped = append(wrapped, `{"stages":`...)
	wrapped = append(wrapped, raw...)
	wrapped = append(wrapped, '}')

	var holder struct {
		Stages bson.A `bson:"stages"`
	}
	if err := bson.UnmarshalExtJSON(wrapped, false, &holder); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidPipeline, err)
	}

	pipeline := make(mongo.Pipeline, 0, len(holder.Stages))
	for i, stage := range holder.Stages {
		switch s := stage.(type) {
		case primitive.D:
			pipeline = append(pipeline, bson.D(s))
		case primitive.M:
			d := make(bson.D, 0, len(s))
			for k, v := range s {
				d = append(d, bson.E{Key: k, Value: v})
			}
			pipeline = append(pipeline, d)
		default:
			return nil, fmt.Errorf("%w: stage %d is not a document", store.ErrInvalidPipeline, i)
		}
	}
	return pipeline, nil
}

func parseQuery(raw json.RawMessage) (bson.D, error) {
	if store.IsEmptyJSON(raw) {
		return bson.D{}, nil
	}
	var filter bson.D
	if err := bson.UnmarshalExtJSON(raw, false, &filter); err != nil {
		return nil, fmt.Errorf("%w: query: %v", store.ErrInvalidPipeline, err)
	}
	return filter, nil
}

// findOptions mirrors the subset of driver find options clients may send.
type findOptions struct {
	Sort       bson.D `bson:"sort,omitempty"`
	Projection bson.D `bson:"projection,omitempty"`
	Limit      int64  `bson:"limit,omitempty"`
	Skip       int64  `bson:"skip,omitempty"`
}

func parseFindOptions(raw json.RawMessage) (*options.FindOptions, error) {
	opts := options.Find()
	if store.IsEmptyJSON(raw) {
		return opts, nil
	}

	var parsed findOptions
	if err := bson.UnmarshalExtJSON(raw, false, &parsed); err != nil {
		return nil, fmt.Errorf("%w: options: %v", store.ErrInvalidPipeline, err)
	}
	if parsed.Limit < 0 || parsed.Skip < 0 {
		return nil, fmt.Errorf("%w: options: limit and skip must not be negative", store.ErrInvalidPipeline)
	}

	if len(parsed.Sort) > 0 {
		opts.SetSort(parsed.Sort)
	}
	if len(parsed.Projection) > 0 {
		opts.SetProjection(parsed.Projection)
	}
	if parsed.Limit > 0 {
		opts.SetLimit(parsed.Limit)
	}
	if parsed.Skip > 0 {
		opts.SetSkip(parsed.Skip)
	}
	return opts, nil
}
