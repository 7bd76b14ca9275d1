package database

import (
	"context"
	"fmt"
	"time"

	"torch/internal/config"
	"torch/internal/model"
	"torch/internal/orchestrator"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Database interface {
	Health() error
	JobDatabase
	orchestrator.Persistence
}

// BundleStore persists extraction output. It is written before a batch or the
// core is marked FINISHED and returns the location of the stored bundle.
type BundleStore interface {
	PutBatchBundle(ctx context.Context, jobID, batchID string, bundle *model.PatientBundle) (string, error)
	PutCoreBundle(ctx context.Context, jobID string, bundle *model.CoreBundle) (string, error)
}

type mongoDB struct {
	client *mongo.Client
	db     *mongo.Database

	jobsCol    *mongo.Collection
	batchesCol *mongo.Collection

	bundles BundleStore
}

// New connects to MongoDB and makes sure the indexes exist. bundles may be nil.
func New(config *config.Config, bundles BundleStore) (Database, error) {
	clientOptions := options.Client().ApplyURI(config.MongoDB.URI)
	if config.MongoDB.Username != "" {
		clientOptions.SetAuth(options.Credential{
			Username: config.MongoDB.Username,
			Password: config.MongoDB.Password,
		})
	}

	client, err := mongo.Connect(context.TODO(), clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	db := client.Database(config.MongoDB.DB)

	jobsCol := db.Collection("jobs")
	batchesCol := db.Collection("batches")

	_, err = jobsCol.Indexes().CreateMany(context.Background(), jobIndexes())
	if err != nil {
		log.Warn().Err(err).Str("Collection", "Jobs").Msg("Error creating indexes")
	}

	_, err = batchesCol.Indexes().CreateMany(context.Background(), batchIndexes())
	if err != nil {
		log.Warn().Err(err).Str("Collection", "Batches").Msg("Error creating indexes")
	}

	return &mongoDB{
		client:     client,
		db:         db,
		jobsCol:    jobsCol,
		batchesCol: batchesCol,
		bundles:    bundles,
	}, nil
}

// jobIndexes serve the status filter of the sweep and the newest-first listing.
// Jobs are never expired; their lifecycle ends outside this service.
func jobIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "status", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index(),
		},
	}
}

func batchIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "job_id", Value: 1}},
			Options: options.Index(),
		},
	}
}

// Health implements Database interface
func (m *mongoDB) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	err := m.client.Ping(ctx, nil)

	if err != nil {
		log.Error().Msgf("Database health error: %v", err)
		return err
	}

	return nil
}
