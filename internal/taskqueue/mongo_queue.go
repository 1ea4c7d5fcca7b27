package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of a MongoDB collection.
//
// Document schema:
//
//	{
//	  _id:         string,    // task ID
//	  type:        string,
//	  instance_id: string,
//	  step_number: int,
//	  escalated:   bool,
//	  enqueued_at: date,
//	  not_before:  date,
//	  attempts:    int,
//	}
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "stepflow", collName to "tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string, pollInterval time.Duration) *MongoQueue {
	if dbName == "" {
		dbName = "stepflow"
	}
	if collName == "" {
		collName = "tasks"
	}
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: pollInterval,
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoTaskDoc struct {
	ID         string    `bson:"_id"`
	Type       string    `bson:"type"`
	InstanceID string    `bson:"instance_id"`
	StepNumber int       `bson:"step_number"`
	Escalated  bool      `bson:"escalated"`
	EnqueuedAt time.Time `bson:"enqueued_at"`
	NotBefore  time.Time `bson:"not_before"`
	Attempts   int       `bson:"attempts"`
}

// Enqueue inserts a document for the given Task.
func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	t = normalize(t)
	_, err := q.coll.InsertOne(ctx, mongoTaskDoc{
		ID:         t.ID,
		Type:       string(t.Type),
		InstanceID: t.InstanceID,
		StepNumber: t.StepNumber,
		Escalated:  t.Escalated,
		EnqueuedAt: t.EnqueuedAt.UTC(),
		NotBefore:  t.NotBefore.UTC(),
		Attempts:   t.Attempts,
	})
	return err
}

// Dequeue blocks (via polling) until a due task is available or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := time.NewTimer(q.pollInterval)
	tmr.Stop()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var doc mongoTaskDoc
		err := q.coll.FindOneAndDelete(
			ctx,
			bson.M{"not_before": bson.M{"$lte": time.Now().UTC()}},
			options.FindOneAndDelete().SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "enqueued_at", Value: 1}}),
		).Decode(&doc)

		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				tmr.Reset(q.pollInterval)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-tmr.C:
				}
				continue
			}
			return nil, err
		}

		return &Task{
			ID:         doc.ID,
			Type:       TaskType(doc.Type),
			InstanceID: doc.InstanceID,
			StepNumber: doc.StepNumber,
			Escalated:  doc.Escalated,
			EnqueuedAt: doc.EnqueuedAt,
			NotBefore:  doc.NotBefore,
			Attempts:   doc.Attempts,
		}, nil
	}
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		slog.Default().Warn("task_queue_len_failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
