package docapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/evanschultz/tandem/internal/adapters/remote/memdoc"
	"github.com/evanschultz/tandem/internal/remote"
)

// newServer starts the document API over a fresh in-memory store.
func newServer(t *testing.T, token string) (*httptest.Server, *memdoc.Store) {
	t.Helper()
	store := memdoc.New(nil)
	h, err := NewHandler(store, Options{Token: token})
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, store
}

// putDoc sends one PUT and returns the response.
func putDoc(t *testing.T, srv *httptest.Server, token, collection string, doc remote.Document) *http.Response {
	t.Helper()
	body, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/collections/"+collection+"/documents/"+doc.ID, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestNewHandlerRequiresStore(t *testing.T) {
	if _, err := NewHandler(nil, Options{}); err == nil {
		t.Fatal("expected missing store to fail")
	}
}

// TestPutAndQuery verifies server stamping and per-user queries.
func TestPutAndQuery(t *testing.T) {
	srv, _ := newServer(t, "")
	resp := putDoc(t, srv, "", "goals", remote.Document{ID: "g1", UserID: "u1", Body: json.RawMessage(`{"title":"ship"}`)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}
	var stored remote.Document
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if stored.UpdatedAt.IsZero() || stored.UserID != "u1" {
		t.Fatalf("unexpected stored doc %#v", stored)
	}

	got, err := srv.Client().Get(srv.URL + "/v1/collections/goals/documents?user_id=u1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer got.Body.Close()
	var out QueryResponse
	if err := json.NewDecoder(got.Body).Decode(&out); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(out.Documents) != 1 || out.Documents[0].ID != "g1" {
		t.Fatalf("query = %#v, want g1", out.Documents)
	}

	missing, err := srv.Client().Get(srv.URL + "/v1/collections/goals/documents")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusBadRequest {
		t.Fatalf("query without user_id status = %d, want 400", missing.StatusCode)
	}
}

// TestPutStaleReturnsCurrent verifies a failed precondition carries the stored document.
func TestPutStaleReturnsCurrent(t *testing.T) {
	srv, _ := newServer(t, "")
	doc := remote.Document{ID: "g1", UserID: "u1", Body: json.RawMessage(`{}`)}
	if resp := putDoc(t, srv, "", "goals", doc); resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}
	resp := putDoc(t, srv, "", "goals", doc)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale PUT status = %d, want 409", resp.StatusCode)
	}
	var env ErrorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if env.Error.Code != CodeStale || env.Current == nil || env.Current.ID != "g1" {
		t.Fatalf("unexpected envelope %#v", env)
	}
}

// TestStoreErrorsMapToStatus verifies the store error taxonomy reaches HTTP status codes.
func TestStoreErrorsMapToStatus(t *testing.T) {
	srv, store := newServer(t, "")
	cases := []struct {
		name   string
		setup  func()
		doc    remote.Document
		status int
		code   string
	}{
		{
			name:   "foreign owner",
			setup:  func() { store.Reject("goals", "g2", remote.ErrPermissionDenied) },
			doc:    remote.Document{ID: "g2", UserID: "u1", Body: json.RawMessage(`{}`)},
			status: http.StatusForbidden,
			code:   CodePermissionDenied,
		},
		{
			name:   "rejected",
			setup:  func() { store.Reject("goals", "g3", remote.ErrRejected) },
			doc:    remote.Document{ID: "g3", UserID: "u1", Body: json.RawMessage(`{}`)},
			status: http.StatusBadRequest,
			code:   CodeRejected,
		},
		{
			name:   "offline",
			setup:  func() { store.SetOffline(true) },
			doc:    remote.Document{ID: "g4", UserID: "u1", Body: json.RawMessage(`{}`)},
			status: http.StatusServiceUnavailable,
			code:   CodeOffline,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setup()
			resp := putDoc(t, srv, "", "goals", tc.doc)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			var env ErrorEnvelope
			if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if env.Error.Code != tc.code {
				t.Fatalf("code = %q, want %q", env.Error.Code, tc.code)
			}
		})
	}
}

// TestTokenRequired verifies bearer enforcement.
func TestTokenRequired(t *testing.T) {
	srv, _ := newServer(t, "s3cret")
	doc := remote.Document{ID: "g1", UserID: "u1", Body: json.RawMessage(`{}`)}
	if resp := putDoc(t, srv, "", "goals", doc); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("PUT without token status = %d, want 401", resp.StatusCode)
	}
	if resp := putDoc(t, srv, "wrong", "goals", doc); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("PUT with wrong token status = %d, want 401", resp.StatusCode)
	}
	if resp := putDoc(t, srv, "s3cret", "goals", doc); resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT with token status = %d, want 200", resp.StatusCode)
	}

	health, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200 without token", health.StatusCode)
	}
}

// TestPutRejectsMismatchedID verifies the body id must match the path.
func TestPutRejectsMismatchedID(t *testing.T) {
	srv, _ := newServer(t, "")
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/collections/goals/documents/g1", strings.NewReader(`{"id":"g2","userId":"u1","body":{}}`))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

// readChange reads one change frame within a deadline.
func readChange(t *testing.T, conn *websocket.Conn) remote.Change {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var ch remote.Change
	if err := json.Unmarshal(data, &ch); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return ch
}

// TestFeedStreamsSnapshotThenChanges verifies the websocket feed contract.
func TestFeedStreamsSnapshotThenChanges(t *testing.T) {
	srv, store := newServer(t, "")
	ctx := context.Background()
	if _, err := store.Put(ctx, "goals", remote.Document{ID: "g1", UserID: "u1", Body: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/collections/goals/feed?user_id=u1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.CloseNow()

	first := readChange(t, conn)
	if !first.Snapshot || len(first.Documents) != 1 || first.Documents[0].ID != "g1" {
		t.Fatalf("first frame = %#v, want snapshot with g1", first)
	}
	if _, err := store.Put(ctx, "goals", remote.Document{ID: "g2", UserID: "u1", Body: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	next := readChange(t, conn)
	if next.Snapshot || len(next.Documents) != 1 || next.Documents[0].ID != "g2" {
		t.Fatalf("next frame = %#v, want g2", next)
	}

	store.SetOffline(true)
	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, _, err = conn.Read(readCtx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("Read() after offline error = %v, want going away close", err)
	}
}

func TestCloseStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want websocket.StatusCode
	}{
		{nil, websocket.StatusNormalClosure},
		{remote.ErrOffline, websocket.StatusGoingAway},
		{remote.ErrPermissionDenied, websocket.StatusPolicyViolation},
		{errors.New(strings.Repeat("x", 400)), websocket.StatusTryAgainLater},
	}
	for _, tc := range cases {
		got, reason := closeStatusFor(tc.err)
		if got != tc.want {
			t.Fatalf("closeStatusFor(%v) = %v, want %v", tc.err, got, tc.want)
		}
		if len(reason) > 123 {
			t.Fatalf("close reason too long: %d bytes", len(reason))
		}
	}
}
