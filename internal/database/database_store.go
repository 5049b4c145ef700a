package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/logger"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/state"
)

// MongoStore keeps one collection per kind. Each document is
// {_id: owner, value: <state>, updated_at}.
type MongoStore struct {
	client           *mongo.Client
	db               *mongo.Database
	operationTimeout time.Duration
}

type stateDocument struct {
	ID        string    `bson:"_id"`
	Value     any       `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type storedDocument struct {
	ID    string   `bson:"_id"`
	Value bson.Raw `bson:"value"`
}

func NewMongoStore(client *mongo.Client, db *mongo.Database, operationTimeout time.Duration) *MongoStore {
	return &MongoStore{client: client, db: db, operationTimeout: operationTimeout}
}

func wrapMongoError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ds *MongoStore) Save(ctx context.Context, kind state.Kind, ownerID string, value any) error {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	if ownerID == "" {
		return ErrOwnerIdEmpty
	}
	if err := checkValue(kind, value); err != nil {
		return err
	}

	filter := bson.D{{Key: "_id", Value: ownerID}}
	doc := stateDocument{ID: ownerID, Value: value, UpdatedAt: time.Now().UTC()}
	opts := options.Replace().SetUpsert(true)

	result, err := ds.db.Collection(collectionName(kind)).ReplaceOne(ctx, filter, doc, opts)
	if err != nil {
		return wrapMongoError(err)
	}

	logger.DebugF("State saved: kind=%s, owner=%s, matched=%d, modified=%d, upserted=%v",
		kind,
		ownerID,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)
	return nil
}

func (ds *MongoStore) Load(ctx context.Context, kind state.Kind, ownerID string) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	if ownerID == "" {
		return nil, ErrOwnerIdEmpty
	}

	filter := bson.D{{Key: "_id", Value: ownerID}}
	var doc storedDocument

	startTime := time.Now()
	err := ds.db.Collection(collectionName(kind)).FindOne(ctx, filter).Decode(&doc)
	logger.DebugF("%s query cost: %v", kind, time.Since(startTime))

	if err != nil {
		return nil, wrapMongoError(err)
	}
	return decodeValue(kind, func(v any) error { return bson.Unmarshal(doc.Value, v) })
}

func (ds *MongoStore) FindAllDirtyCandidates(ctx context.Context, kind state.Kind) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	values, err := ds.db.Collection(collectionName(kind)).Distinct(ctx, "_id", bson.D{})
	if err != nil {
		return nil, wrapMongoError(err)
	}
	owners := make([]string, 0, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok {
			owners = append(owners, id)
		}
	}
	sort.Strings(owners)
	return owners, nil
}

func (ds *MongoStore) SaveMail(ctx context.Context, mail Mail) error {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	if mail.ID == "" {
		return ErrMailIdEmpty
	}
	filter := bson.D{{Key: "_id", Value: mail.ID}}
	_, err := ds.db.Collection(MailCollectionName).ReplaceOne(ctx, filter, mail, options.Replace().SetUpsert(true))
	if err != nil {
		return wrapMongoError(err)
	}
	return nil
}

func (ds *MongoStore) MailExpiries(ctx context.Context) ([]Mail, error) {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	cursor, err := ds.db.Collection(MailCollectionName).Find(ctx, bson.D{})
	if err != nil {
		return nil, wrapMongoError(err)
	}
	var mails []Mail
	if err := cursor.All(ctx, &mails); err != nil {
		return nil, wrapMongoError(err)
	}
	return mails, nil
}

func (ds *MongoStore) DeleteMail(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	if id == "" {
		return ErrMailIdEmpty
	}
	result, err := ds.db.Collection(MailCollectionName).DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return wrapMongoError(err)
	}
	logger.DebugF("Mail deleted: id=%s, deleted=%d", id, result.DeletedCount)
	return nil
}

func (ds *MongoStore) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()
	return ds.client.Disconnect(ctx)
}
