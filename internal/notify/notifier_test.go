package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marcus-qen/watchpost/internal/incident"
	"github.com/marcus-qen/watchpost/internal/secrets"
)

func awaitSignal(t *testing.T, ch chan struct{}, timeout time.Duration) bool {
	t.Helper()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

type recordedAlert struct {
	incidentID string
	delivered  bool
}

type fakeRecorder struct {
	mu     sync.Mutex
	alerts []recordedAlert
	done   chan struct{}
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{done: make(chan struct{}, 8)}
}

func (r *fakeRecorder) RecordAlert(_ context.Context, incidentID string, delivered bool, _ string) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, recordedAlert{incidentID: incidentID, delivered: delivered})
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func testIncident() incident.Incident {
	return incident.Incident{
		ID:        "inc-1",
		MonitorID: "mon-1",
		Kind:      incident.KindFail,
		Status:    incident.StatusOpen,
		Summary:   "job exited 2",
	}
}

func TestNotifier_RegisterRemoveList(t *testing.T) {
	n := NewNotifier(nil, nil)

	n.Register(WebhookConfig{ID: "a", URL: "https://example.com/a", Events: []string{EventIncidentOpened}, Enabled: true})
	n.Register(WebhookConfig{ID: "b", URL: "https://example.com/b", Events: []string{EventIncidentResolved}, Enabled: true})

	if got := len(n.List()); got != 2 {
		t.Fatalf("len(list) = %d, want 2", got)
	}

	n.Remove("a")
	if got := len(n.List()); got != 1 {
		t.Fatalf("len(list) after remove = %d, want 1", got)
	}
}

func TestNotifier_NotifyDispatchesMatchingWebhooksOnly(t *testing.T) {
	n := NewNotifier(nil, nil)

	matching := make(chan struct{}, 2)
	ignored := make(chan struct{}, 2)

	matchingServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		matching <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer matchingServer.Close()

	ignoredServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ignored <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer ignoredServer.Close()

	n.Register(WebhookConfig{ID: "match", URL: matchingServer.URL, Events: []string{EventIncidentOpened}, Enabled: true})
	n.Register(WebhookConfig{ID: "ignore", URL: ignoredServer.URL, Events: []string{EventIncidentResolved}, Enabled: true})
	n.Register(WebhookConfig{ID: "off", URL: ignoredServer.URL, Events: []string{EventIncidentOpened}, Enabled: false})

	n.Notify(EventIncidentOpened, testIncident())

	if !awaitSignal(t, matching, 2*time.Second) {
		t.Fatalf("timed out waiting for matching webhook")
	}
	if awaitSignal(t, ignored, 150*time.Millisecond) {
		t.Fatalf("unexpected call to non-matching or disabled webhook")
	}
}

func TestNotifier_NotifyHMACSignature(t *testing.T) {
	n := NewNotifier(nil, nil)
	secret := "top-secret"

	payloads := make(chan []byte, 1)
	sigs := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		payloads <- body
		sigs <- r.Header.Get("X-Watchpost-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n.Register(WebhookConfig{ID: "signed", URL: server.URL, Events: []string{EventIncidentOpened}, Secret: secret, Enabled: true})
	n.Notify(EventIncidentOpened, testIncident())

	var body []byte
	var sig string
	select {
	case body = <-payloads:
		sig = <-sigs
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
		t.Fatalf("signature = %s, want %s", sig, want)
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Event != EventIncidentOpened || p.Incident.ID != "inc-1" || p.MonitorID != "mon-1" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestNotifier_RecordsDeliveryOutcome(t *testing.T) {
	rec := newFakeRecorder()
	n := NewNotifier(rec, nil)

	okServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okServer.Close()

	failServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failServer.Close()

	n.Register(WebhookConfig{ID: "ok", URL: okServer.URL, Events: []string{"*"}, Enabled: true})
	n.Register(WebhookConfig{ID: "bad", URL: failServer.URL, Events: []string{"*"}, Enabled: true})

	n.Notify(EventIncidentOpened, testIncident())

	for i := 0; i < 2; i++ {
		select {
		case <-rec.done:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for alert records")
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var sent, failed int
	for _, a := range rec.alerts {
		if a.incidentID != "inc-1" {
			t.Fatalf("alert recorded for %s, want inc-1", a.incidentID)
		}
		if a.delivered {
			sent++
		} else {
			failed++
		}
	}
	if sent != 1 || failed != 1 {
		t.Fatalf("recorded sent=%d failed=%d, want 1/1", sent, failed)
	}
}

func TestNotifier_RetriesOnce(t *testing.T) {
	n := NewNotifier(nil, nil)

	var mu sync.Mutex
	attempts := 0
	delivered := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		first := attempts == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		delivered <- struct{}{}
	}))
	defer server.Close()

	n.Register(WebhookConfig{ID: "flaky", URL: server.URL, Events: []string{"*"}, Enabled: true})
	n.Notify(EventIncidentOpened, testIncident())

	if !awaitSignal(t, delivered, 3*time.Second) {
		t.Fatal("retry never landed")
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webhooks.db")

	store, err := NewStore(path, nil, nil, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cfg := store.Register(WebhookConfig{
		URL:     "https://example.com/hook",
		Events:  []string{EventIncidentOpened, EventIncidentResolved},
		Secret:  "s3cret",
		Enabled: true,
	})
	if cfg.ID == "" {
		t.Fatal("expected generated webhook id")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewStore(path, nil, nil, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	list := reopened.List()
	if len(list) != 1 {
		t.Fatalf("got %d webhooks after reopen, want 1", len(list))
	}
	got := list[0]
	if got.ID != cfg.ID || got.URL != cfg.URL || got.Secret != "s3cret" || !got.Enabled {
		t.Fatalf("reloaded webhook = %+v", got)
	}
	if len(got.Events) != 2 {
		t.Fatalf("reloaded events = %v", got.Events)
	}
}

func TestStoreEncryptsSecretsAtRest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webhooks.db")

	encoded, err := secrets.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	box, err := secrets.NewBoxFromBase64(encoded)
	if err != nil {
		t.Fatalf("new box: %v", err)
	}

	store, err := NewStore(path, nil, box, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	store.Register(WebhookConfig{
		URL:     "https://example.com/hook",
		Events:  []string{EventIncidentOpened},
		Secret:  "signing-secret",
		Enabled: true,
	})
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The raw row never contains the plaintext.
	raw, err := NewStore(path, nil, nil, nil)
	if err != nil {
		t.Fatalf("reopen without cipher: %v", err)
	}
	stored := raw.List()[0].Secret
	if stored == "signing-secret" {
		t.Fatal("secret persisted in the clear")
	}
	if err := raw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening with the cipher restores it.
	reopened, err := NewStore(path, nil, box, nil)
	if err != nil {
		t.Fatalf("reopen with cipher: %v", err)
	}
	defer reopened.Close()
	if got := reopened.List()[0].Secret; got != "signing-secret" {
		t.Fatalf("decrypted secret = %q", got)
	}
}
