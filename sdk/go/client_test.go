package venturegatesdk

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostEvidenceUsesEngineToken(t *testing.T) {
	var got EvidenceUpdate
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/webhooks/evidence", r.URL.Path)
		assert.Equal(t, "Bearer engine-secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"accepted":true,"duplicate":false,"newVersion":2,"state":{"venture_id":"v-1","phase":"desirability","version":2}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.EngineToken = "engine-secret"
	c.BearerToken = "operator-token"
	res, err := c.PostEvidence(context.Background(), EvidenceUpdate{
		ExecutionID:    "exec-1",
		VentureID:      "v-1",
		Dimension:      "desirability",
		SourceSequence: 3,
		Evidence:       Evidence{"resonance_score": 0.7},
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, int64(2), res.State.Version)
	assert.Equal(t, int64(3), got.SourceSequence)
	assert.Equal(t, 0.7, got.Evidence["resonance_score"])
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"stale_sequence","message":"sequence 1 is older than 3"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.PostEvidence(context.Background(), EvidenceUpdate{ExecutionID: "e", VentureID: "v", Dimension: "viability", SourceSequence: 1})
	require.Error(t, err)
	assert.True(t, IsStale(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestOperatorCallsUseAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "op-key", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "pending", r.URL.Query().Get("status"))
		_, _ = w.Write([]byte(`[{"id":"a-1","status":"pending","type":"spend_increase"}]`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "op-key"
	items, err := c.Approvals(context.Background(), "pending", "", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a-1", items[0].ID)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"seq":4}`)
	sig := "sha256=" + hmacHex("s3cret", body)
	assert.True(t, VerifySignature("s3cret", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
}

func hmacHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
