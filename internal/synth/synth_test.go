package synth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/khoward/dealdigest/internal/registry"
	"github.com/khoward/dealdigest/internal/timeline"
)

func testRecord() timeline.AccountRecord {
	ts := time.Date(2026, 2, 3, 15, 0, 0, 0, time.UTC)
	return timeline.AccountRecord{
		Account:  registry.Account{ID: "a1", Name: "Xactly"},
		Name:     "Xactly",
		Category: registry.CategoryDeal,
		Entries: []timeline.TimelineEntry{
			{Kind: timeline.KindMeeting, Timestamp: ts, Title: "Xactly Sync", Payload: "Pricing agreed."},
		},
		Signals: timeline.Signals{LastActivity: &ts, State: timeline.StateProgressing},
	}
}

func TestSynthesize(t *testing.T) {
	var gotReq generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]string{"response": "- Activity: pricing sync\n"})
	}))
	defer srv.Close()

	out, err := NewClient(srv.URL, "gemma2:27b").Synthesize(context.Background(), testRecord())
	require.NoError(t, err)
	require.Equal(t, "- Activity: pricing sync", out)

	require.Equal(t, "gemma2:27b", gotReq.Model)
	require.False(t, gotReq.Stream)
	require.InDelta(t, 0.3, gotReq.Options.Temperature, 0.001)
	require.InDelta(t, 0.9, gotReq.Options.TopP, 0.001)
	require.Contains(t, gotReq.Prompt, "Entity: Xactly (deal)")
	require.Contains(t, gotReq.Prompt, "Pricing agreed.")
	require.Contains(t, gotReq.Prompt, "Derived state: progressing")
}

func TestSynthesizeEmptyTimeline(t *testing.T) {
	rec := testRecord()
	rec.Entries = nil
	_, err := NewClient("http://localhost:11434", "gemma2:27b").Synthesize(context.Background(), rec)
	require.Error(t, err)
}

func TestVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{{"name": "gemma2:27b-instruct"}, {"name": "llama3:8b"}},
		})
	}))
	defer srv.Close()

	require.NoError(t, NewClient(srv.URL, "gemma2:27b").Verify(context.Background()))
	require.Error(t, NewClient(srv.URL, "mistral:7b").Verify(context.Background()))
}

func TestVerifyUnreachable(t *testing.T) {
	err := NewClient("http://127.0.0.1:1", "gemma2:27b").Verify(context.Background())
	require.Error(t, err)
}
