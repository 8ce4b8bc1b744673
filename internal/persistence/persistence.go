// Package persistence records regional analyses in MongoDB so they survive
// broker restarts and stay queryable after completion. The broker itself
// never reads these records; they exist for the UI and for operators.
package persistence

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/AccessibilityObservatory/r5/internal/eventbus"
	"github.com/AccessibilityObservatory/r5/pkg/clusterapi"
)

type DB struct {
	client   *mongo.Client
	analyses *mongo.Collection
	log      *slog.Logger
}

// RegionalAnalysisRecord mirrors one submitted job.
type RegionalAnalysisRecord struct {
	ID          string                    `bson:"_id"`
	Category    clusterapi.WorkerCategory `bson:"category"`
	NTasksTotal int                       `bson:"nTasksTotal"`
	Status      string                    `bson:"status"`
	Errors      []string                  `bson:"errors,omitempty"`
	Tags        map[string]string         `bson:"tags,omitempty"`
	CreatedAt   time.Time                 `bson:"createdAt"`
	UpdatedAt   time.Time                 `bson:"updatedAt"`
}

// Connect opens the database client. An empty uri connects to a local
// instance, matching development setups.
func Connect(ctx context.Context, uri, databaseName string, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}
	opts := options.Client()
	if uri != "" {
		opts = opts.ApplyURI(uri)
	} else {
		opts = opts.ApplyURI("mongodb://localhost:27017")
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return &DB{
		client:   client,
		analyses: client.Database(databaseName).Collection("regional-analyses"),
		log:      log,
	}, nil
}

func (db *DB) Close(ctx context.Context) error {
	return db.client.Disconnect(ctx)
}

func (db *DB) InsertRegionalAnalysis(ctx context.Context, rec RegionalAnalysisRecord) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	_, err := db.analyses.InsertOne(ctx, rec)
	return err
}

// UpdateStatus upserts so a status transition still lands when the STARTED
// insert was missed (broker restart, database outage at submit time).
func (db *DB) UpdateStatus(ctx context.Context, jobID, status string) error {
	now := time.Now().UTC()
	_, err := db.analyses.UpdateOne(ctx,
		bson.M{"_id": jobID},
		bson.M{
			"$set":         bson.M{"status": status, "updatedAt": now},
			"$setOnInsert": bson.M{"createdAt": now},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (db *DB) AppendError(ctx context.Context, jobID, message string) error {
	_, err := db.analyses.UpdateOne(ctx,
		bson.M{"_id": jobID},
		bson.M{
			"$push": bson.M{"errors": message},
			"$set":  bson.M{"updatedAt": time.Now().UTC()},
		},
	)
	return err
}

func (db *DB) GetRegionalAnalysis(ctx context.Context, jobID string) (RegionalAnalysisRecord, bool, error) {
	var rec RegionalAnalysisRecord
	err := db.analyses.FindOne(ctx, bson.M{"_id": jobID}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

// SubscribeTo mirrors lifecycle events into analysis records: STARTED creates
// the record, later states update it, and job-attributed errors are appended.
// The handler runs synchronously on the goroutine that sends the event; each
// Mongo round trip gets its own timeout.
func (db *DB) SubscribeTo(bus *eventbus.LocalBus) {
	bus.Subscribe(func(event eventbus.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		switch e := event.(type) {
		case eventbus.RegionalAnalysisEvent:
			if e.State == eventbus.RegionalAnalysisStarted {
				err := db.InsertRegionalAnalysis(ctx, RegionalAnalysisRecord{
					ID:          e.JobID,
					Category:    e.Category,
					NTasksTotal: e.NTasksTotal,
					Status:      string(e.State),
					Tags:        e.Tags,
				})
				if err != nil {
					db.log.Warn("persist job record", "jobId", e.JobID, "error", err)
				}
				return
			}
			if err := db.UpdateStatus(ctx, e.JobID, string(e.State)); err != nil {
				db.log.Warn("persist job status", "jobId", e.JobID, "state", e.State, "error", err)
			}
		case eventbus.ErrorEvent:
			if e.JobID == "" {
				return
			}
			message := e.Message
			if e.Detail != "" {
				message += ": " + e.Detail
			}
			if err := db.AppendError(ctx, e.JobID, message); err != nil {
				db.log.Warn("persist job error", "jobId", e.JobID, "error", err)
			}
		}
	})
}
