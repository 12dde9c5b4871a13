package rolegatesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsBearerAndDecodesRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization header = %q", got)
		}
		if r.Method != http.MethodPost || r.URL.Path != "/v0/runs" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body StartRunRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"run_id":       "r1",
			"topic":        body.Topic,
			"current_role": "planner",
			"status":       "active",
			"gates":        map[string]any{"technical": "unset", "value": "unset"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	run, err := c.StartRun(context.Background(), StartRunRequest{Topic: "login"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if run.ID != "r1" || run.Topic != "login" || run.CurrentRole != "planner" || run.Gates.Technical != "unset" {
		t.Fatalf("unexpected run %+v", run)
	}
}

func TestClientParsesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"contract_violation","message":"value gate before technical"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.SetGates(context.Background(), "r1", "uat", "", "passed")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "contract_violation" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestEventsPageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "2" || r.URL.Query().Get("cursor") != "10" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"items":[{"id":9,"type":"run.advanced"},{"id":8,"type":"gate.set"}],"next_cursor":"8"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	c.BasePath = ""
	page, err := c.EventsPage(context.Background(), 2, "10")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor != "8" || page.Items[0].Type != "run.advanced" {
		t.Fatalf("unexpected page %+v", page)
	}
}
