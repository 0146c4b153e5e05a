package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/zoomstore/zoomstore/internal/config"
)

func TestFirestoreDocConversion(t *testing.T) {
	rec := record("0123456789abcdef0123456789abcdef", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	doc := recordToDoc(rec)
	if doc["type"] != "image" {
		t.Errorf("type = %v", doc["type"])
	}
	if got := docToRecord(doc); *got != *rec {
		t.Errorf("docToRecord = %+v, want %+v", got, rec)
	}

	// Documents written by other clients may carry doubles.
	doc["width"] = float64(640)
	if got := docToRecord(doc); got.Width != 640 {
		t.Errorf("Width from float = %d", got.Width)
	}
	if got := docToRecord(map[string]interface{}{"id": "x"}); got.ID != "x" || got.Size != 0 || !got.CreatedAt.IsZero() {
		t.Errorf("sparse document = %+v", got)
	}
}

func TestCosmosItemConversion(t *testing.T) {
	rec := record("0123456789abcdef0123456789abcdef", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	data, err := recordToCosmos(rec)
	if err != nil {
		t.Fatal(err)
	}
	got, err := cosmosToRecord(data)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *rec {
		t.Errorf("cosmosToRecord = %+v, want %+v", got, rec)
	}
	if _, err := cosmosToRecord([]byte("{")); err == nil {
		t.Error("cosmosToRecord accepted malformed JSON")
	}
}

func TestIsCosmosNotFound(t *testing.T) {
	notFound := &azcore.ResponseError{StatusCode: http.StatusNotFound}
	if !isCosmosNotFound(notFound) {
		t.Error("404 not recognized")
	}
	if !isCosmosNotFound(fmt.Errorf("reading: %w", notFound)) {
		t.Error("wrapped 404 not recognized")
	}
	if isCosmosNotFound(&azcore.ResponseError{StatusCode: http.StatusForbidden}) {
		t.Error("403 treated as not found")
	}
	if isCosmosNotFound(errors.New("NotFound")) {
		t.Error("plain error treated as not found")
	}
}

func TestOpenCloudEnginesRequireSettings(t *testing.T) {
	ctx := context.Background()
	for _, cfg := range []config.RegistryConfig{
		{Engine: "dynamodb"},
		{Engine: "cosmos"},
		{Engine: "cosmos", Cosmos: config.CosmosConfig{Endpoint: "https://localhost:8081"}},
	} {
		if _, err := Open(ctx, cfg); err == nil {
			t.Errorf("Open(%+v) succeeded without required settings", cfg)
		}
	}
}
