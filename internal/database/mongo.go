package database

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"quizmaster/internal/store"
)

type mongoRecord struct {
	ID       string `bson:"_id"`
	Seq      int64  `bson:"seq"`
	Revision int64  `bson:"revision"`
	Data     string `bson:"data"`
}

// MongoStore maps every collection onto a MongoDB collection of the same name.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ store.Store = (*MongoStore)(nil)

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return &MongoStore{client: client, db: client.Database(database)}, nil
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) List(ctx context.Context, collection string) ([]store.Record, error) {
	cur, err := m.db.Collection(collection).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	records := []store.Record{}
	for cur.Next(ctx) {
		var doc mongoRecord
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		records = append(records, doc.record())
	}
	return records, cur.Err()
}

// Replace drops and refills the collection. MongoDB standalone servers have no
// multi-document transactions, so readers may briefly observe it empty.
func (m *MongoStore) Replace(ctx context.Context, collection string, records []store.Record) error {
	coll := m.db.Collection(collection)
	if err := coll.Drop(ctx); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	seq := time.Now().UnixNano()
	docs := make([]interface{}, 0, len(records))
	seen := make(map[string]bool, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		docs = append(docs, mongoRecord{ID: r.ID, Seq: seq + int64(i), Revision: 1, Data: string(r.Data)})
	}
	_, err := coll.InsertMany(ctx, docs)
	return err
}

func (m *MongoStore) Get(ctx context.Context, collection, id string) (store.Record, error) {
	var doc mongoRecord
	err := m.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, err
	}
	return doc.record(), nil
}

func (m *MongoStore) Create(ctx context.Context, collection string, rec store.Record) (store.Record, error) {
	doc := mongoRecord{ID: rec.ID, Seq: time.Now().UnixNano(), Revision: 1, Data: string(rec.Data)}
	_, err := m.db.Collection(collection).InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return store.Record{}, store.ErrConflict
	}
	if err != nil {
		return store.Record{}, err
	}
	rec.Revision = 1
	return rec, nil
}

func (m *MongoStore) Put(ctx context.Context, collection string, rec store.Record) (store.Record, error) {
	coll := m.db.Collection(collection)
	update := bson.M{
		"$set": bson.M{"data": string(rec.Data)},
		"$inc": bson.M{"revision": 1},
	}

	if rec.Revision != 0 {
		res, err := coll.UpdateOne(ctx, bson.M{"_id": rec.ID, "revision": rec.Revision}, update)
		if err != nil {
			return store.Record{}, err
		}
		if res.MatchedCount == 0 {
			return store.Record{}, store.ErrConflict
		}
		rec.Revision++
		return rec, nil
	}

	update["$setOnInsert"] = bson.M{"seq": time.Now().UnixNano()}
	var doc mongoRecord
	err := coll.FindOneAndUpdate(ctx, bson.M{"_id": rec.ID}, update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		return store.Record{}, err
	}
	return doc.record(), nil
}

func (m *MongoStore) Delete(ctx context.Context, collection, id string) error {
	res, err := m.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d mongoRecord) record() store.Record {
	return store.Record{ID: d.ID, Revision: d.Revision, Data: []byte(d.Data)}
}
