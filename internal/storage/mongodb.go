package storage

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func openMongoDB(_ context.Context, rawURL, database string) (*Conn, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("MongoDB URL is required")
	}
	if database == "" {
		database = DefaultMongoDatabase
	}

	client, err := mongo.Connect(options.Client().ApplyURI(rawURL).SetAppName("codechat"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB %s: %w", Redact(rawURL), err)
	}
	return &Conn{
		Mongo:       client.Database(database),
		backend:     TypeMongoDB,
		mongoClient: client,
	}, nil
}
