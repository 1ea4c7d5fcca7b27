package bridge

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoAuditor appends audit records to a MongoDB collection.
//
// Document schema:
//
//	{
//	  _id:        ObjectId,
//	  event_type: string,
//	  entity_id:  string,
//	  details:    object,
//	  at:         date,
//	}
type MongoAuditor struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewMongoAuditor creates an auditor. dbName defaults to "stepflow",
// collName to "audit_log".
func NewMongoAuditor(client *mongo.Client, dbName, collName string) *MongoAuditor {
	if dbName == "" {
		dbName = "stepflow"
	}
	if collName == "" {
		collName = "audit_log"
	}
	return &MongoAuditor{coll: client.Database(dbName).Collection(collName), now: time.Now}
}

type auditDoc struct {
	EventType string         `bson:"event_type"`
	EntityID  string         `bson:"entity_id"`
	Details   map[string]any `bson:"details,omitempty"`
	At        time.Time      `bson:"at"`
}

// EnsureIndexes creates the entity lookup index.
func (a *MongoAuditor) EnsureIndexes(ctx context.Context) error {
	_, err := a.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "entity_id", Value: 1}, {Key: "at", Value: 1}},
	})
	return err
}

func (a *MongoAuditor) Audit(ctx context.Context, eventType, entityID string, details map[string]any) error {
	_, err := a.coll.InsertOne(ctx, auditDoc{
		EventType: eventType,
		EntityID:  entityID,
		Details:   details,
		At:        a.now().UTC(),
	})
	return err
}

// AuditRecord is a stored audit entry.
type AuditRecord struct {
	EventType string
	EntityID  string
	Details   map[string]any
	At        time.Time
}

// ListByEntity returns the audit records of entityID in insertion order.
func (a *MongoAuditor) ListByEntity(ctx context.Context, entityID string) ([]AuditRecord, error) {
	cur, err := a.coll.Find(ctx, bson.M{"entity_id": entityID},
		options.Find().SetSort(bson.D{{Key: "at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []AuditRecord
	for cur.Next(ctx) {
		var d auditDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, AuditRecord{EventType: d.EventType, EntityID: d.EntityID, Details: d.Details, At: d.At})
	}
	return out, cur.Err()
}
