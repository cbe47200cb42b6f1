package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gymops/gymsync/internal/service"
	"github.com/stretchr/testify/assert"
)

func TestPushBatch_SendsSecretAndDecodesResponse(t *testing.T) {
	var gotSecret string
	var gotReq service.IngestRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("x-sync-secret")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(service.IngestResponse{Acked: []string{"evt-1"}, ProcessedCount: 1})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "x-sync-secret", "s3cret", 5*time.Second)
	resp, err := client.PushBatch(context.Background(), &service.IngestRequest{
		DeviceID: "dev-001",
		GymID:    "gym-001",
		Events:   []service.IngestEvent{{ID: "evt-1", Type: "ATTENDANCE_CHECKIN", IdempotencyKey: "key-1"}},
	})

	assert.NoError(t, err)
	assert.Equal(t, "s3cret", gotSecret)
	assert.Equal(t, "dev-001", gotReq.DeviceID)
	if assert.NotNil(t, resp) {
		assert.Equal(t, []string{"evt-1"}, resp.Acked)
	}
}

func TestPushBatch_NonOKIsDeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"UNAUTHORIZED"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "x-sync-secret", "wrong", 5*time.Second)
	_, err := client.PushBatch(context.Background(), &service.IngestRequest{DeviceID: "dev-001", GymID: "gym-001"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestPushBatch_MalformedResponseIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "x-sync-secret", "s3cret", 5*time.Second)
	_, err := client.PushBatch(context.Background(), &service.IngestRequest{DeviceID: "dev-001", GymID: "gym-001"})
	assert.Error(t, err)
}
