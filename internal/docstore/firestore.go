package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore is the Cloud Firestore backend used by the mobile apps.
type Firestore struct {
	client *firestore.Client
	logger *slog.Logger
}

func NewFirestore(client *firestore.Client, logger *slog.Logger) *Firestore {
	if logger == nil {
		logger = slog.Default()
	}
	return &Firestore{client: client, logger: logger}
}

func (f *Firestore) Get(ctx context.Context, collection, id string) (Snapshot, error) {
	doc, err := f.client.Collection(collection).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return Snapshot{ID: id}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("firestore get %s/%s: %w", collection, id, err)
	}
	return firestoreSnapshot(doc), nil
}

func (f *Firestore) List(ctx context.Context, collection string) ([]Snapshot, error) {
	docs, err := f.client.Collection(collection).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("firestore list %s: %w", collection, err)
	}
	out := make([]Snapshot, 0, len(docs))
	for _, d := range docs {
		out = append(out, firestoreSnapshot(d))
	}
	return out, nil
}

func (f *Firestore) Set(ctx context.Context, collection, id string, doc any) error {
	fields, err := ToFields(doc)
	if err != nil {
		return err
	}
	if _, err := f.client.Collection(collection).Doc(id).Set(ctx, fields); err != nil {
		return fmt.Errorf("firestore set %s/%s: %w", collection, id, err)
	}
	return nil
}

func (f *Firestore) Merge(ctx context.Context, collection, id string, fields map[string]any) error {
	norm, err := ToFields(fields)
	if err != nil {
		return err
	}
	if _, err := f.client.Collection(collection).Doc(id).Set(ctx, norm, firestore.MergeAll); err != nil {
		return fmt.Errorf("firestore merge %s/%s: %w", collection, id, err)
	}
	return nil
}

func (f *Firestore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	norm, err := ToFields(fields)
	if err != nil {
		return err
	}
	_, err = f.client.Collection(collection).Doc(id).Update(ctx, toUpdates(norm))
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("firestore update %s/%s: %w", collection, id, err)
	}
	return nil
}

func (f *Firestore) Create(ctx context.Context, collection, id string, doc any) error {
	fields, err := ToFields(doc)
	if err != nil {
		return err
	}
	_, err = f.client.Collection(collection).Doc(id).Create(ctx, fields)
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("firestore create %s/%s: %w", collection, id, err)
	}
	return nil
}

// UpdateIf reads and writes inside one transaction; Firestore retries the
// transaction when another writer commits in between.
func (f *Firestore) UpdateIf(ctx context.Context, collection, id string, cond, fields map[string]any) error {
	norm, err := ToFields(fields)
	if err != nil {
		return err
	}
	ref := f.client.Collection(collection).Doc(id)
	err = f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !matches(doc.Data(), cond) {
			return fmt.Errorf("%s/%s: %w", collection, id, ErrPreconditionFailed)
		}
		return tx.Update(ref, toUpdates(norm))
	})
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrPreconditionFailed) {
		return fmt.Errorf("firestore update-if %s/%s: %w", collection, id, err)
	}
	return err
}

func (f *Firestore) Subscribe(ctx context.Context, collection, id string, onChange func(Snapshot)) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	it := f.client.Collection(collection).Doc(id).Snapshots(ctx)
	go func() {
		defer it.Stop()
		for {
			doc, err := it.Next()
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, iterator.Done) && status.Code(err) != codes.Canceled {
					f.logger.Error("snapshot listener stopped", "collection", collection, "id", id, "error", err)
				}
				return
			}
			if !doc.Exists() {
				onChange(Snapshot{ID: id})
				continue
			}
			onChange(firestoreSnapshot(doc))
		}
	}()
	return firestoreSub(cancel), nil
}

func (f *Firestore) Close() error { return f.client.Close() }

type firestoreSub context.CancelFunc

func (s firestoreSub) Cancel() { s() }

func firestoreSnapshot(doc *firestore.DocumentSnapshot) Snapshot {
	return Snapshot{ID: doc.Ref.ID, Exists: true, Data: doc.Data()}
}

func toUpdates(fields map[string]any) []firestore.Update {
	ups := make([]firestore.Update, 0, len(fields))
	for k, v := range fields {
		ups = append(ups, firestore.Update{FieldPath: firestore.FieldPath{k}, Value: v})
	}
	return ups
}
