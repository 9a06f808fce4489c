package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

// ExampleProgressHandler_ListJobs shows how to serve the /v1/crawls endpoint.
func ExampleProgressHandler_ListJobs() {
	reader := &fakeReader{
		jobs: []crawler.Job{{
			ID:       "00000000-0000-0000-0000-0000000000aa",
			TenantID: "tenant-a",
			StartURL: "https://example.com",
			MaxDepth: 2,
			Status:   crawler.JobStatusInProgress,
		}},
	}
	handler := NewProgressHandler(reader, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/crawls?limit=1", nil)
	rec := httptest.NewRecorder()
	handler.ListJobs(rec, req)

	var payload struct {
		Jobs []map[string]any `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("returned jobs: %d, status: %s\n", len(payload.Jobs), payload.Jobs[0]["status"])
	// Output:
	// returned jobs: 1, status: IN_PROGRESS
}
