package registry

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zoomstore/zoomstore/internal/config"
)

// firestoreBatchSize is the write limit of one Firestore batch.
const firestoreBatchSize = 500

// FirestoreStore implements Store on one Firestore collection, one document
// per image.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a Firestore-backed registry.
func NewFirestoreStore(ctx context.Context, cfg config.FirestoreConfig) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "zoomstore"
	}
	return &FirestoreStore{client: client, collection: collection}, nil
}

func docIDImage(id string) string {
	return "image_" + id
}

func (s *FirestoreStore) collectionRef() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreStore) imagesQuery() firestore.Query {
	return s.collectionRef().Where("type", "==", "image")
}

func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.collectionRef().Limit(1).Documents(ctx).Next()
	if err != nil && err != iterator.Done {
		return err
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func recordToDoc(rec *ImageRecord) map[string]interface{} {
	return map[string]interface{}{
		"type":       "image",
		"id":         rec.ID,
		"filename":   rec.Filename,
		"format":     rec.Format,
		"size":       rec.Size,
		"width":      int64(rec.Width),
		"height":     int64(rec.Height),
		"created_at": rec.CreatedAt.UTC().Format(timeFormat),
	}
}

func docToRecord(data map[string]interface{}) *ImageRecord {
	str := func(k string) string {
		v, _ := data[k].(string)
		return v
	}
	num := func(k string) int64 {
		switch v := data[k].(type) {
		case int64:
			return v
		case float64:
			return int64(v)
		}
		return 0
	}
	createdAt, _ := time.Parse(timeFormat, str("created_at"))
	return &ImageRecord{
		ID:        str("id"),
		Filename:  str("filename"),
		Format:    str("format"),
		Size:      num("size"),
		Width:     int(num("width")),
		Height:    int(num("height")),
		CreatedAt: createdAt,
	}
}

func (s *FirestoreStore) Put(ctx context.Context, rec *ImageRecord) error {
	_, err := s.collectionRef().Doc(docIDImage(rec.ID)).Set(ctx, recordToDoc(rec))
	if err != nil {
		return fmt.Errorf("putting image %s: %w", rec.ID, err)
	}
	return nil
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*ImageRecord, error) {
	doc, err := s.collectionRef().Doc(docIDImage(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting image: %w", err)
	}
	if !doc.Exists() {
		return nil, nil
	}
	return docToRecord(doc.Data()), nil
}

// Delete uses an Exists precondition so a missing document reports false
// instead of succeeding silently.
func (s *FirestoreStore) Delete(ctx context.Context, id string) (bool, error) {
	_, err := s.collectionRef().Doc(docIDImage(id)).Delete(ctx, firestore.Exists)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("deleting image: %w", err)
	}
	return true, nil
}

// List returns all image records, newest first.
func (s *FirestoreStore) List(ctx context.Context) ([]ImageRecord, error) {
	docs, err := s.imagesQuery().Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}
	out := make([]ImageRecord, 0, len(docs))
	for _, doc := range docs {
		out = append(out, *docToRecord(doc.Data()))
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *FirestoreStore) Count(ctx context.Context) (int, error) {
	docs, err := s.imagesQuery().Select().Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("counting images: %w", err)
	}
	return len(docs), nil
}

// PutAll commits recs in batches of 500 writes. Each batch is atomic; the
// import as a whole is not.
func (s *FirestoreStore) PutAll(ctx context.Context, recs []ImageRecord, replace bool) (int, error) {
	type write struct {
		ref *firestore.DocumentRef
		doc map[string]interface{}
	}
	var writes []write
	if replace {
		keep := make(map[string]bool, len(recs))
		for i := range recs {
			keep[docIDImage(recs[i].ID)] = true
		}
		refs, err := s.imagesQuery().Select().Documents(ctx).GetAll()
		if err != nil {
			return 0, fmt.Errorf("listing images: %w", err)
		}
		for _, d := range refs {
			if !keep[d.Ref.ID] {
				writes = append(writes, write{ref: d.Ref})
			}
		}
	}
	for i := range recs {
		writes = append(writes, write{
			ref: s.collectionRef().Doc(docIDImage(recs[i].ID)),
			doc: recordToDoc(&recs[i]),
		})
	}

	for start := 0; start < len(writes); start += firestoreBatchSize {
		end := min(start+firestoreBatchSize, len(writes))
		batch := s.client.Batch()
		for _, w := range writes[start:end] {
			if w.doc == nil {
				batch.Delete(w.ref)
			} else {
				batch.Set(w.ref, w.doc)
			}
		}
		if _, err := batch.Commit(ctx); err != nil {
			return 0, fmt.Errorf("committing import batch: %w", err)
		}
	}
	return len(recs), nil
}
