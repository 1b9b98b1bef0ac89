package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftmend/driftmend/internal/update"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, "", 5*time.Second, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestUploadEvidenceStatusMapping(t *testing.T) {
	cases := []struct {
		name  string
		code  int
		want  UploadStatus
		isErr bool
	}{
		{"accepted", http.StatusCreated, UploadAccepted, false},
		{"accepted ok", http.StatusOK, UploadAccepted, false},
		{"duplicate", http.StatusConflict, UploadDuplicate, false},
		{"rejected bad request", http.StatusBadRequest, UploadRejected, false},
		{"rejected unprocessable", http.StatusUnprocessableEntity, UploadRejected, false},
		{"server error is transient", http.StatusInternalServerError, 0, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/evidence" || r.Method != http.MethodPost {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				w.WriteHeader(tc.code)
			}))

			status, err := c.UploadEvidence(context.Background(), "b1", []byte(`{"bundle_id":"b1"}`), "c2ln")
			if tc.isErr {
				if err == nil {
					t.Fatal("expected transient error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if status != tc.want {
				t.Errorf("status = %s, want %s", status, tc.want)
			}
		})
	}
}

func TestUploadEvidencePayloadShape(t *testing.T) {
	var got map[string]json.RawMessage
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.WriteHeader(http.StatusCreated)
	}))

	bundle := []byte(`{"bundle_id":"b1","host_id":"web-01"}`)
	if _, err := c.UploadEvidence(context.Background(), "b1", bundle, "c2ln"); err != nil {
		t.Fatal(err)
	}
	if string(got["bundle"]) != string(bundle) {
		t.Errorf("bundle bytes altered in transit: %s", got["bundle"])
	}
	var sig string
	if err := json.Unmarshal(got["signature"], &sig); err != nil || sig != "c2ln" {
		t.Errorf("signature = %s", got["signature"])
	}
}

func TestUploadRetriesTransientFailures(t *testing.T) {
	var calls int
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	status, err := c.UploadEvidence(context.Background(), "b1", []byte(`{}`), "c2ln")
	if err != nil {
		t.Fatal(err)
	}
	if status != UploadAccepted {
		t.Errorf("status = %s", status)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestSyncRules(t *testing.T) {
	feed := `[{"rule_id":"r1","priority":10,"action":"noop","conditions":[{"field":"check_id","op":"equals","value":"x"}]}]`
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/rules" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(feed))
	}))

	raw, err := c.SyncRules(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != feed {
		t.Errorf("raw = %s", raw)
	}
}

func TestPollOrdersDropsUnverified(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	good := update.Order{
		OrderID:       "good",
		TargetVersion: "2.0.0",
		ArtifactURL:   "https://u.example.com/2.0.0.img",
		ArtifactHash:  "abc",
		IssuedAt:      time.Now().UTC(),
		TTLSeconds:    3600,
	}
	good.Signature = update.SignOrder(good, priv)

	bad := good
	bad.OrderID = "bad"
	bad.Signature = "bm90LWEtc2ln" // wrong signature

	expired := good
	expired.OrderID = "expired"
	expired.IssuedAt = time.Now().UTC().Add(-3 * time.Hour)
	expired.TTLSeconds = 60
	expired.Signature = update.SignOrder(expired, priv)

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("host_id"); got != "web-01" {
			t.Errorf("host_id = %q", got)
		}
		_ = json.NewEncoder(w).Encode([]update.Order{good, bad, expired})
	}))

	orders, err := c.PollOrders(context.Background(), "web-01", pub, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 || orders[0].OrderID != "good" {
		t.Errorf("orders = %+v", orders)
	}
}

func TestPollOrdersNoContent(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	orders, err := c.PollOrders(context.Background(), "web-01", pub, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 0 {
		t.Errorf("orders = %+v", orders)
	}
}

func TestCheckinPostsHealth(t *testing.T) {
	var got Health
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkin" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))

	h := Health{HostID: "web-01", QueueDepth: 4, OpenTickets: 1, Timestamp: time.Now().UTC()}
	if err := c.Checkin(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	if got.HostID != "web-01" || got.QueueDepth != 4 {
		t.Errorf("health = %+v", got)
	}
}

func TestBearerTokenHeader(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenFile, []byte("s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, tokenFile, 5*time.Second, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Checkin(context.Background(), Health{HostID: "h"}); err != nil {
		t.Fatal(err)
	}
	if auth != "Bearer s3cret" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestNilClientIsOffline(t *testing.T) {
	var c *Client
	if _, err := c.UploadEvidence(context.Background(), "b1", nil, ""); err != ErrOffline {
		t.Errorf("err = %v", err)
	}
	if _, err := c.SyncRules(context.Background()); err != ErrOffline {
		t.Errorf("err = %v", err)
	}
}
