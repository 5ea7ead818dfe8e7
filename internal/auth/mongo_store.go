package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const CollectionAPIKeys = "api_keys"

type MongoStore struct {
	collection *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{collection: db.Collection(CollectionAPIKeys)}
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key_hash", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create api key index: %w", err)
	}
	return nil
}

func (s *MongoStore) GetByKey(ctx context.Context, key string) (*APIKey, error) {
	var k APIKey
	err := s.collection.FindOne(ctx, bson.M{"key_hash": HashKey(key), "active": true}).Decode(&k)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return &k, nil
}

func (s *MongoStore) Create(ctx context.Context, apiKey *APIKey) error {
	if apiKey.KeyHash == "" {
		return fmt.Errorf("key_hash is required")
	}
	if apiKey.UserEmail == "" {
		return fmt.Errorf("user_email is required")
	}

	apiKey.ID = uuid.NewString()
	apiKey.CreatedAt = time.Now().UTC()
	if _, err := s.collection.InsertOne(ctx, apiKey); err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

func (s *MongoStore) Revoke(ctx context.Context, keyID string) error {
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": keyID}, bson.M{"$set": bson.M{"active": false}})
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrKeyNotFound
	}
	return nil
}
