// Package audit keeps an append-only journal of settlement saga outcomes and
// reconciliation actions in MongoDB.
package audit

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	OutcomeSuccess  = "success"
	OutcomePartial  = "partial_success"
	OutcomeFailed   = "failed"
	OutcomePending  = "pending"
	OutcomeAdvanced = "advanced"
	OutcomeConflict = "conflict"
	OutcomeReleased = "intent_released"
)

type Entry struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	TaskID       string             `bson:"task_id" json:"task_id"`
	LedgerTaskID *uint64            `bson:"ledger_task_id,omitempty" json:"ledger_task_id,omitempty"`
	Op           string             `bson:"op" json:"op"`
	Outcome      string             `bson:"outcome" json:"outcome"`
	ActorID      string             `bson:"actor_id,omitempty" json:"actor_id,omitempty"`
	FromStatus   string             `bson:"from_status,omitempty" json:"from_status,omitempty"`
	ToStatus     string             `bson:"to_status,omitempty" json:"to_status,omitempty"`
	TxHash       string             `bson:"tx_hash,omitempty" json:"tx_hash,omitempty"`
	ErrorKind    string             `bson:"error_kind,omitempty" json:"error_kind,omitempty"`
	Error        string             `bson:"error,omitempty" json:"error,omitempty"`
	RecordedAt   time.Time          `bson:"recorded_at" json:"recorded_at"`
}

type Journal interface {
	Record(ctx context.Context, entry Entry) error
	ForTask(ctx context.Context, taskID string) ([]Entry, error)
}

type mongoJournal struct {
	collection *mongo.Collection
}

func NewMongoJournal(collection *mongo.Collection) Journal {
	return &mongoJournal{collection: collection}
}

// EnsureIndexes creates the task lookup index used by ForTask.
func EnsureIndexes(ctx context.Context, collection *mongo.Collection) error {
	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "task_id", Value: 1}, {Key: "recorded_at", Value: 1}},
	})
	return err
}

func (j *mongoJournal) Record(ctx context.Context, entry Entry) error {
	if entry.TaskID == "" {
		return errors.New("audit entry requires task_id")
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	entry.ID = primitive.NilObjectID
	_, err := j.collection.InsertOne(ctx, entry)
	return err
}

func (j *mongoJournal) ForTask(ctx context.Context, taskID string) ([]Entry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "recorded_at", Value: 1}})
	cur, err := j.collection.Find(ctx, bson.M{"task_id": taskID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var entries []Entry
	for cur.Next(ctx) {
		var entry Entry
		if err := cur.Decode(&entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Discard is a Journal that drops every entry.
var Discard Journal = discard{}

type discard struct{}

func (discard) Record(context.Context, Entry) error { return nil }

func (discard) ForTask(context.Context, string) ([]Entry, error) { return nil, nil }
