package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func doRequest(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func TestKVRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	put := doRequest(t, http.MethodPut, ts.URL+"/v1/kv/scripts/mode", []byte("auto"))
	put.Body.Close()
	if put.StatusCode != http.StatusNoContent {
		t.Fatalf("PUT status = %d, want 204", put.StatusCode)
	}

	get := doRequest(t, http.MethodGet, ts.URL+"/v1/kv/scripts/mode", nil)
	defer get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", get.StatusCode)
	}
	value, _ := io.ReadAll(get.Body)
	if string(value) != "auto" {
		t.Errorf("value = %q, want %q", value, "auto")
	}
}

func TestKVGetMissing(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/kv/scripts/missing", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestKVKeysAndDelete(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, k := range []string{"alpha", "bravo"} {
		resp := doRequest(t, http.MethodPut, ts.URL+"/v1/kv/scripts/"+k, []byte("x"))
		resp.Body.Close()
	}

	del := doRequest(t, http.MethodDelete, ts.URL+"/v1/kv/scripts/alpha", nil)
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", del.StatusCode)
	}

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/kv/scripts", nil)
	defer resp.Body.Close()

	var body kvKeysResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Keys) != 1 || body.Keys[0] != "bravo" {
		t.Errorf("keys = %v, want [bravo]", body.Keys)
	}
}

func TestKVKeysEmptyNamespace(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := doRequest(t, http.MethodGet, ts.URL+"/v1/kv/empty", nil)
	defer resp.Body.Close()

	var body kvKeysResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Keys == nil {
		t.Error("keys should be an empty array, not null")
	}
}
