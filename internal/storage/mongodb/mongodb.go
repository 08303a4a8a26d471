package mongodb

import (
	"context"
	"fmt"

	"github.com/s3fs-fuse/s3wofs-go/internal/storage/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Config holds the MongoDB journal options.
type Config struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// Journal implements types.Journal using MongoDB. Records are stored as
// documents keyed by upload id.
type Journal struct {
	client     *mongo.Client
	collection *mongo.Collection
}

var _ types.Journal = (*Journal)(nil)

// New connects to MongoDB and prepares the collection.
func New(ctx context.Context, cfg Config) (*Journal, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("MongoDB URI is required")
	}
	database := cfg.Database
	if database == "" {
		database = "s3wofs"
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "uploads"
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Verify connection
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	coll := client.Database(database).Collection(collection)

	indexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "bucket", Value: 1},
			{Key: "mount_id", Value: 1},
			{Key: "status", Value: 1},
		},
	}
	if _, err := coll.Indexes().CreateOne(ctx, indexModel); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	return &Journal{
		client:     client,
		collection: coll,
	}, nil
}

func (m *Journal) Put(ctx context.Context, rec types.Record) error {
	filter := bson.M{"_id": rec.UploadID}
	opts := options.Replace().SetUpsert(true)
	if _, err := m.collection.ReplaceOne(ctx, filter, rec, opts); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

func (m *Journal) Get(ctx context.Context, uploadID string) (types.Record, error) {
	var rec types.Record
	err := m.collection.FindOne(ctx, bson.M{"_id": uploadID}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return types.Record{}, types.ErrRecordNotFound
	}
	if err != nil {
		return types.Record{}, fmt.Errorf("failed to read record: %w", err)
	}
	return rec, nil
}

func (m *Journal) Pending(ctx context.Context, bucket, mountID string) ([]types.Record, error) {
	filter := bson.M{
		"bucket":   bucket,
		"mount_id": mountID,
		"status":   bson.M{"$in": bson.A{string(types.StatusOpen), string(types.StatusFailed)}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}})

	cursor, err := m.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer cursor.Close(ctx)

	var out []types.Record
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	return out, nil
}

func (m *Journal) Close() error {
	return m.client.Disconnect(context.Background())
}
