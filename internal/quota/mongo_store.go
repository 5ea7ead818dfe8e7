package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const CollectionMonthlyUsage = "tenant_monthly_usage"

type MongoStore struct {
	collection *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{collection: db.Collection(CollectionMonthlyUsage)}
}

// EnsureIndexes creates the unique (tenant_id, month) index the upserts rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "month", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create monthly usage index: %w", err)
	}
	return nil
}

func monthFilter(tenantID, month string) bson.M {
	return bson.M{"tenant_id": tenantID, "month": month}
}

func (s *MongoStore) GetMonth(ctx context.Context, tenantID, month string) (*TenantMonthlyUsage, error) {
	var u TenantMonthlyUsage
	if err := s.collection.FindOne(ctx, monthFilter(tenantID, month)).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get monthly usage: %w", err)
	}
	return &u, nil
}

func (s *MongoStore) EnsureMonth(ctx context.Context, tenantID, month string, limit int64) (*TenantMonthlyUsage, error) {
	update := bson.M{"$setOnInsert": bson.M{
		"llm_tokens_used":       int64(0),
		"embedding_tokens_used": int64(0),
		"total_tokens_used":     int64(0),
		"token_limit":           limit,
		"warning_sent":          false,
		"warning_delivered":     false,
		"last_updated":          time.Now().UTC(),
	}}
	return s.upsert(ctx, tenantID, month, update, "ensure monthly usage")
}

func (s *MongoStore) AddTokens(ctx context.Context, tenantID, month string, tokenType TokenType, n, limit int64) (*TenantMonthlyUsage, error) {
	var field string
	switch tokenType {
	case TokenTypeLLM:
		field = "llm_tokens_used"
	case TokenTypeEmbedding:
		field = "embedding_tokens_used"
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidTokenType, tokenType)
	}

	// $setOnInsert must not name any field touched by $inc.
	onInsert := bson.M{
		"token_limit":       limit,
		"warning_sent":      false,
		"warning_delivered": false,
	}
	if tokenType == TokenTypeLLM {
		onInsert["embedding_tokens_used"] = int64(0)
	} else {
		onInsert["llm_tokens_used"] = int64(0)
	}

	update := bson.M{
		"$inc":         bson.M{field: n, "total_tokens_used": n},
		"$set":         bson.M{"last_updated": time.Now().UTC()},
		"$setOnInsert": onInsert,
	}
	return s.upsert(ctx, tenantID, month, update, "add tokens")
}

func (s *MongoStore) upsert(ctx context.Context, tenantID, month string, update bson.M, op string) (*TenantMonthlyUsage, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var u TenantMonthlyUsage
	err := s.collection.FindOneAndUpdate(ctx, monthFilter(tenantID, month), update, opts).Decode(&u)
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return &u, nil
}

func (s *MongoStore) ClaimFlag(ctx context.Context, tenantID, month string, flag Flag) (bool, error) {
	if flag != FlagWarningSent && flag != FlagWarningDelivered {
		return false, fmt.Errorf("unknown flag %q", flag)
	}
	filter := monthFilter(tenantID, month)
	filter[string(flag)] = false

	res, err := s.collection.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		string(flag):   true,
		"last_updated": time.Now().UTC(),
	}})
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", flag, err)
	}
	return res.ModifiedCount == 1, nil
}
