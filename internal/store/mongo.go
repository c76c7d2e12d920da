// internal/store/mongo.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoDoc struct {
	Key       string     `bson:"_id"`
	Value     []byte     `bson:"v"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
}

// MongoStore keeps keys as documents. A TTL index on expires_at lets the
// server reap expired documents; reads also check expiry because the
// reaper runs only once a minute.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
}

// NewMongoStore connects and ensures the TTL index exists.
func NewMongoStore(ctx context.Context, uri, database, collection string, timeout time.Duration) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri).SetConnectTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0).SetName("expires_at_ttl"),
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create TTL index: %w", err)
	}

	return &MongoStore{client: client, collection: coll, timeout: timeout}, nil
}

func (s *MongoStore) Get(ctx context.Context, key string) ([]byte, error) {
	var doc mongoDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb get %s: %w", key, err)
	}
	if doc.ExpiresAt != nil && !time.Now().Before(*doc.ExpiresAt) {
		return nil, ErrNotFound
	}
	return doc.Value, nil
}

func (s *MongoStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	doc := mongoDoc{Key: key, Value: value}
	if ttl > 0 {
		exp := time.Now().Add(ttl).UTC()
		doc.ExpiresAt = &exp
	}
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb set %s: %w", key, err)
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, key string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("mongodb delete %s: %w", key, err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
