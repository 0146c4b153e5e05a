package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/zoomstore/zoomstore/internal/config"
)

// cosmosBatchSize is the operation limit of one transactional batch.
const cosmosBatchSize = 100

// CosmosStore implements Store on an Azure Cosmos DB container partitioned
// on /type. Every image lives in the "image" partition.
type CosmosStore struct {
	client *azcosmos.ContainerClient
}

type cosmosImage struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	ImageID   string `json:"image_id"`
	Filename  string `json:"filename"`
	Format    string `json:"format"`
	Size      int64  `json:"size"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	CreatedAt string `json:"created_at"`
}

// NewCosmosStore creates a Cosmos DB-backed registry authenticated with the
// account master key.
func NewCosmosStore(cfg config.CosmosConfig) (*CosmosStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("cosmos endpoint is required")
	}
	if cfg.Database == "" || cfg.Container == "" {
		return nil, fmt.Errorf("cosmos database and container names are required")
	}

	cred, err := azcosmos.NewKeyCredential(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos key credential: %w", err)
	}
	client, err := azcosmos.NewClientWithKey(cfg.Endpoint, cred, &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}
	container, err := client.NewContainer(cfg.Database, cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}
	return &CosmosStore{client: container}, nil
}

var imagePartition = azcosmos.NewPartitionKeyString("image")

func cosmosID(id string) string {
	return "image_" + id
}

func isCosmosNotFound(err error) bool {
	var re *azcore.ResponseError
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}

func recordToCosmos(rec *ImageRecord) ([]byte, error) {
	return json.Marshal(&cosmosImage{
		ID:        cosmosID(rec.ID),
		Type:      "image",
		ImageID:   rec.ID,
		Filename:  rec.Filename,
		Format:    rec.Format,
		Size:      rec.Size,
		Width:     rec.Width,
		Height:    rec.Height,
		CreatedAt: rec.CreatedAt.UTC().Format(timeFormat),
	})
}

func cosmosToRecord(data []byte) (*ImageRecord, error) {
	var item cosmosImage
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling image: %w", err)
	}
	createdAt, _ := time.Parse(timeFormat, item.CreatedAt)
	return &ImageRecord{
		ID:        item.ImageID,
		Filename:  item.Filename,
		Format:    item.Format,
		Size:      item.Size,
		Width:     item.Width,
		Height:    item.Height,
		CreatedAt: createdAt,
	}, nil
}

func (s *CosmosStore) Ping(ctx context.Context) error {
	_, err := s.client.Read(ctx, nil)
	return err
}

func (s *CosmosStore) Close() error {
	return nil
}

func (s *CosmosStore) Put(ctx context.Context, rec *ImageRecord) error {
	data, err := recordToCosmos(rec)
	if err != nil {
		return err
	}
	if _, err := s.client.UpsertItem(ctx, imagePartition, data, nil); err != nil {
		return fmt.Errorf("putting image %s: %w", rec.ID, err)
	}
	return nil
}

func (s *CosmosStore) Get(ctx context.Context, id string) (*ImageRecord, error) {
	resp, err := s.client.ReadItem(ctx, imagePartition, cosmosID(id), nil)
	if err != nil {
		if isCosmosNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting image: %w", err)
	}
	return cosmosToRecord(resp.Value)
}

func (s *CosmosStore) Delete(ctx context.Context, id string) (bool, error) {
	_, err := s.client.DeleteItem(ctx, imagePartition, cosmosID(id), nil)
	if err != nil {
		if isCosmosNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("deleting image: %w", err)
	}
	return true, nil
}

func (s *CosmosStore) query(ctx context.Context, q string, fn func([]byte) error) error {
	pager := s.client.NewQueryItemsPager(q, imagePartition, nil)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("querying images: %w", err)
		}
		for _, item := range resp.Items {
			if err := fn(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// List returns all image records, newest first.
func (s *CosmosStore) List(ctx context.Context) ([]ImageRecord, error) {
	var out []ImageRecord
	err := s.query(ctx, "SELECT * FROM c WHERE c.type = 'image'", func(item []byte) error {
		rec, err := cosmosToRecord(item)
		if err != nil {
			return err
		}
		out = append(out, *rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *CosmosStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.query(ctx, "SELECT VALUE COUNT(1) FROM c WHERE c.type = 'image'", func(item []byte) error {
		var part int
		if err := json.Unmarshal(item, &part); err != nil {
			return fmt.Errorf("decoding count: %w", err)
		}
		n += part
		return nil
	})
	return n, err
}

// PutAll writes recs in transactional batches of 100 operations. Each batch
// is atomic; the import as a whole is not.
func (s *CosmosStore) PutAll(ctx context.Context, recs []ImageRecord, replace bool) (int, error) {
	type op struct {
		deleteID string
		data     []byte
	}
	var ops []op
	if replace {
		keep := make(map[string]bool, len(recs))
		for i := range recs {
			keep[recs[i].ID] = true
		}
		err := s.query(ctx, "SELECT c.image_id FROM c WHERE c.type = 'image'", func(item []byte) error {
			var row struct {
				ImageID string `json:"image_id"`
			}
			if err := json.Unmarshal(item, &row); err != nil {
				return err
			}
			if !keep[row.ImageID] {
				ops = append(ops, op{deleteID: cosmosID(row.ImageID)})
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	for i := range recs {
		data, err := recordToCosmos(&recs[i])
		if err != nil {
			return 0, err
		}
		ops = append(ops, op{data: data})
	}

	for start := 0; start < len(ops); start += cosmosBatchSize {
		end := min(start+cosmosBatchSize, len(ops))
		batch := s.client.NewTransactionalBatch(imagePartition)
		for _, o := range ops[start:end] {
			if o.data == nil {
				batch.DeleteItem(o.deleteID, nil)
			} else {
				batch.UpsertItem(o.data, nil)
			}
		}
		resp, err := s.client.ExecuteTransactionalBatch(ctx, batch, nil)
		if err != nil {
			return 0, fmt.Errorf("executing import batch: %w", err)
		}
		if !resp.Success {
			return 0, fmt.Errorf("import batch rejected")
		}
	}
	return len(recs), nil
}
