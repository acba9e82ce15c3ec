package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo stores every collection as a MongoDB collection keyed by _id.
// Listeners use change streams, so the server must run as a replica set.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

// NewMongoClient connects and pings within a bounded timeout.
func NewMongoClient(ctx context.Context, uri, username, password string) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(uri)
	if username != "" && password != "" {
		opts.SetAuth(options.Credential{Username: username, Password: password})
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

func NewMongo(client *mongo.Client, database string, logger *slog.Logger) *Mongo {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mongo{client: client, db: client.Database(database), logger: logger}
}

func (m *Mongo) Get(ctx context.Context, collection, id string) (Snapshot, error) {
	raw, err := m.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Raw()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Snapshot{ID: id}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("mongo get %s/%s: %w", collection, id, err)
	}
	return rawSnapshot(id, raw)
}

func (m *Mongo) List(ctx context.Context, collection string) ([]Snapshot, error) {
	cur, err := m.db.Collection(collection).Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo list %s: %w", collection, err)
	}
	defer cur.Close(ctx)
	var out []Snapshot
	for cur.Next(ctx) {
		id, _ := cur.Current.Lookup("_id").StringValueOK()
		snap, err := rawSnapshot(id, cur.Current)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongo list %s: %w", collection, err)
	}
	return out, nil
}

func (m *Mongo) Set(ctx context.Context, collection, id string, doc any) error {
	fields, err := ToFields(doc)
	if err != nil {
		return err
	}
	fields["_id"] = id
	_, err = m.db.Collection(collection).ReplaceOne(ctx, bson.M{"_id": id}, fields, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo set %s/%s: %w", collection, id, err)
	}
	return nil
}

func (m *Mongo) Merge(ctx context.Context, collection, id string, fields map[string]any) error {
	norm, err := ToFields(fields)
	if err != nil {
		return err
	}
	_, err = m.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": norm}, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo merge %s/%s: %w", collection, id, err)
	}
	return nil
}

func (m *Mongo) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	norm, err := ToFields(fields)
	if err != nil {
		return err
	}
	res, err := m.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": norm})
	if err != nil {
		return fmt.Errorf("mongo update %s/%s: %w", collection, id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

func (m *Mongo) Create(ctx context.Context, collection, id string, doc any) error {
	fields, err := ToFields(doc)
	if err != nil {
		return err
	}
	fields["_id"] = id
	if _, err := m.db.Collection(collection).InsertOne(ctx, fields); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrAlreadyExists)
		}
		return fmt.Errorf("mongo create %s/%s: %w", collection, id, err)
	}
	return nil
}

// UpdateIf folds cond into the update filter so the check and the write are
// a single atomic server-side operation.
func (m *Mongo) UpdateIf(ctx context.Context, collection, id string, cond, fields map[string]any) error {
	norm, err := ToFields(fields)
	if err != nil {
		return err
	}
	filter := bson.M{"_id": id}
	for k, v := range cond {
		filter[k] = v
	}
	coll := m.db.Collection(collection)
	res, err := coll.UpdateOne(ctx, filter, bson.M{"$set": norm})
	if err != nil {
		return fmt.Errorf("mongo update-if %s/%s: %w", collection, id, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := coll.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongo update-if %s/%s: %w", collection, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return fmt.Errorf("%s/%s: %w", collection, id, ErrPreconditionFailed)
}

// Subscribe opens the change stream before reading the current state so no
// write between the two is lost.
func (m *Mongo) Subscribe(ctx context.Context, collection, id string, onChange func(Snapshot)) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	coll := m.db.Collection(collection)
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.M{"documentKey._id": id}}}}
	stream, err := coll.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mongo watch %s/%s: %w", collection, id, err)
	}
	initial, err := m.Get(ctx, collection, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		cancel()
		_ = stream.Close(context.Background())
		return nil, err
	}
	go func() {
		defer stream.Close(context.Background())
		onChange(initial)
		for stream.Next(ctx) {
			var ev struct {
				OperationType string   `bson:"operationType"`
				FullDocument  bson.Raw `bson:"fullDocument"`
			}
			if err := stream.Decode(&ev); err != nil {
				m.logger.Warn("change stream decode failed", "collection", collection, "id", id, "error", err)
				continue
			}
			if ev.OperationType == "delete" || len(ev.FullDocument) == 0 {
				onChange(Snapshot{ID: id})
				continue
			}
			snap, err := rawSnapshot(id, ev.FullDocument)
			if err != nil {
				m.logger.Warn("change stream document invalid", "collection", collection, "id", id, "error", err)
				continue
			}
			onChange(snap)
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			m.logger.Error("change stream stopped", "collection", collection, "id", id, "error", err)
		}
	}()
	return &mongoSub{cancel: cancel}, nil
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

type mongoSub struct {
	cancel context.CancelFunc
}

func (s *mongoSub) Cancel() { s.cancel() }

// rawSnapshot converts a BSON document into plain fields via relaxed
// extended JSON, which keeps numbers, strings and arrays in their JSON form.
func rawSnapshot(id string, raw bson.Raw) (Snapshot, error) {
	b, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return Snapshot{}, fmt.Errorf("mongo decode %s: %w", id, err)
	}
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return Snapshot{}, fmt.Errorf("mongo decode %s: %w", id, err)
	}
	delete(data, "_id")
	return Snapshot{ID: id, Exists: true, Data: data}, nil
}
