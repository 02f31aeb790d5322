// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transcript

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Default collection coordinates of the transcript log.
const (
	DefaultDatabase   = "towing_services"
	DefaultCollection = "towing_services_transcripts_logs"
)

// updater is the subset of *mongo.Collection used by MongoStore.
type updater interface {
	UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// MongoStore upserts transcript documents into a MongoDB collection,
// one document per conversation_id.
type MongoStore struct {
	client     *mongo.Client
	collection updater
}

// NewMongoStore connects to uri and verifies the primary is reachable.
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	if database == "" {
		database = DefaultDatabase
	}
	if collection == "" {
		collection = DefaultCollection
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}
	return &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}, nil
}

// Upsert sets the non-empty fields of update on the document for id.
func (s *MongoStore) Upsert(ctx context.Context, id string, update Update) error {
	if update == (Update{}) {
		return nil
	}
	filter := bson.M{"conversation_id": id}
	change := bson.M{"$set": update}
	if _, err := s.collection.UpdateOne(ctx, filter, change, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("upserting transcript %s: %w", id, err)
	}
	return nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
