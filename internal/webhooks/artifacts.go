package webhooks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ArtifactStore persists received artifacts content-addressed by hash.
type ArtifactStore interface {
	Put(ctx context.Context, tenantID, artifactType, artifactHash string, body []byte) error
	Get(ctx context.Context, tenantID, artifactType, artifactHash string) ([]byte, error)
}

// FSArtifactStore lays artifacts out as
// <root>/<tenant>/artifacts/<type>/<sha256>.json. Writes go through a temp
// file + rename so a crash never leaves a torn artifact at its final path.
type FSArtifactStore struct {
	root string
}

// NewFSArtifactStore roots the store at dir.
func NewFSArtifactStore(dir string) *FSArtifactStore {
	return &FSArtifactStore{root: dir}
}

func (s *FSArtifactStore) path(tenantID, artifactType, artifactHash string) string {
	return filepath.Join(s.root, tenantID, "artifacts", artifactType, artifactHash+".json")
}

func (s *FSArtifactStore) Put(ctx context.Context, tenantID, artifactType, artifactHash string, body []byte) error {
	target := s.path(tenantID, artifactType, artifactHash)
	if _, err := os.Stat(target); err == nil {
		// Content-addressed: an existing artifact is already the right bytes.
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("webhooks: create artifact dir: %w", err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("webhooks: write artifact: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("webhooks: finalize artifact: %w", err)
	}
	return nil
}

func (s *FSArtifactStore) Get(ctx context.Context, tenantID, artifactType, artifactHash string) ([]byte, error) {
	body, err := os.ReadFile(s.path(tenantID, artifactType, artifactHash))
	if err != nil {
		return nil, fmt.Errorf("webhooks: read artifact: %w", err)
	}
	return body, nil
}

// MongoArtifactStore keeps artifacts in a Mongo collection keyed by
// (tenant, type, hash) for multi-instance receivers.
type MongoArtifactStore struct {
	collection *mongo.Collection
}

type mongoArtifact struct {
	TenantID     string    `bson:"tenantId"`
	ArtifactType string    `bson:"artifactType"`
	ArtifactHash string    `bson:"artifactHash"`
	Body         []byte    `bson:"body"`
	StoredAt     time.Time `bson:"storedAt"`
}

// NewMongoArtifactStore connects and selects the artifact collection.
func NewMongoArtifactStore(ctx context.Context, uri, database, collection string) (*MongoArtifactStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("webhooks: connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("webhooks: ping mongo: %w", err)
	}
	return &MongoArtifactStore{collection: client.Database(database).Collection(collection)}, nil
}

func (s *MongoArtifactStore) Put(ctx context.Context, tenantID, artifactType, artifactHash string, body []byte) error {
	filter := bson.M{"tenantId": tenantID, "artifactType": artifactType, "artifactHash": artifactHash}
	update := bson.M{"$setOnInsert": mongoArtifact{
		TenantID:     tenantID,
		ArtifactType: artifactType,
		ArtifactHash: artifactHash,
		Body:         body,
		StoredAt:     time.Now(),
	}}
	_, err := s.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("webhooks: store artifact: %w", err)
	}
	return nil
}

func (s *MongoArtifactStore) Get(ctx context.Context, tenantID, artifactType, artifactHash string) ([]byte, error) {
	var doc mongoArtifact
	err := s.collection.FindOne(ctx, bson.M{
		"tenantId":     tenantID,
		"artifactType": artifactType,
		"artifactHash": artifactHash,
	}).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("webhooks: load artifact: %w", err)
	}
	return doc.Body, nil
}
