package transcript

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"codechat/internal/core"
)

type mongoMessageDocument struct {
	Key        string    `bson:"_id"`
	SessionID  string    `bson:"session_id"`
	ID         string    `bson:"message_id"`
	Seq        int64     `bson:"seq"`
	Contents   string    `bson:"contents"`
	IsReply    bool      `bson:"is_reply"`
	IsFinished bool      `bson:"is_finished"`
	Failed     bool      `bson:"failed"`
	CreatedAt  time.Time `bson:"created_at"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

func toMongoDocument(msg *core.Message) mongoMessageDocument {
	return mongoMessageDocument{
		Key:        mongoKey(msg.SessionID, msg.ID),
		SessionID:  msg.SessionID,
		ID:         msg.ID,
		Seq:        msg.Seq,
		Contents:   msg.Contents,
		IsReply:    msg.IsReply,
		IsFinished: msg.IsFinished,
		Failed:     msg.Failed,
		CreatedAt:  msg.CreatedAt,
		UpdatedAt:  msg.UpdatedAt,
	}
}

func (d mongoMessageDocument) message() *core.Message {
	return &core.Message{
		ID:         d.ID,
		SessionID:  d.SessionID,
		Seq:        d.Seq,
		Contents:   d.Contents,
		IsReply:    d.IsReply,
		IsFinished: d.IsFinished,
		Failed:     d.Failed,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

func mongoKey(sessionID, id string) string {
	return sessionID + "/" + id
}

// MongoDBStore stores transcripts in MongoDB, one document per message.
type MongoDBStore struct {
	collection *mongo.Collection
}

// NewMongoDBStore creates collection indexes if needed.
func NewMongoDBStore(database *mongo.Database) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	coll := database.Collection("chat_messages")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "seq", Value: 1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("create chat_messages indexes: %w", err)
	}

	return &MongoDBStore{collection: coll}, nil
}

func (s *MongoDBStore) Append(ctx context.Context, msg *core.Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	if _, err := s.collection.InsertOne(ctx, toMongoDocument(msg)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrExists
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *MongoDBStore) Update(ctx context.Context, msg *core.Message) error {
	if err := validate(msg); err != nil {
		return err
	}

	doc := toMongoDocument(msg)
	result, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.Key}, doc)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoDBStore) List(ctx context.Context, sessionID string, limit int, after string) ([]*core.Message, error) {
	limit = normalizeLimit(limit)
	filter := bson.M{"session_id": sessionID}

	if after != "" {
		var cursorDoc mongoMessageDocument
		err := s.collection.FindOne(ctx, bson.M{"_id": mongoKey(sessionID, after)}).Decode(&cursorDoc)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("query after cursor: %w", err)
		}
		filter["seq"] = bson.M{"$gt": cursorDoc.Seq}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetLimit(int64(limit))
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer cursor.Close(ctx)

	items := make([]*core.Message, 0, limit)
	for cursor.Next(ctx) {
		var doc mongoMessageDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode message document: %w", err)
		}
		items = append(items, doc.message())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages cursor: %w", err)
	}
	return items, nil
}

func (s *MongoDBStore) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	result, err := s.collection.DeleteMany(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return 0, fmt.Errorf("delete session: %w", err)
	}
	return result.DeletedCount, nil
}

// Close is a no-op; Mongo client lifecycle is managed by storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}
