package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v58/github"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	c := New("fake-token")
	base, err := url.Parse(server.URL + "/")
	if err != nil {
		t.Fatalf("parse base url: %v", err)
	}
	c.gh.BaseURL = base
	c.gh.UploadURL = base
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Fatalf("encode response: %v", err)
	}
}

func TestEnsureForkReturnsExistingFork(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, &github.User{Login: github.String("orc-bot")})
	})
	mux.HandleFunc("/repos/orc-bot/widgets", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, &github.Repository{
			FullName: github.String("orc-bot/widgets"),
			HTMLURL:  github.String("https://github.com/orc-bot/widgets"),
		})
	})

	c := newTestClient(t, mux)
	fork, err := c.EnsureFork(context.Background(), "acme", "widgets")
	if err != nil {
		t.Fatalf("ensure fork: %v", err)
	}
	if fork.FullName != "orc-bot/widgets" {
		t.Fatalf("unexpected fork: %+v", fork)
	}
}

func TestEnsureForkCreatesWhenAbsent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, &github.User{Login: github.String("orc-bot")})
	})
	mux.HandleFunc("/repos/orc-bot/widgets", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	})
	mux.HandleFunc("/repos/acme/widgets/forks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, &github.Repository{
			FullName: github.String("orc-bot/widgets"),
			HTMLURL:  github.String("https://github.com/orc-bot/widgets"),
		})
	})

	c := newTestClient(t, mux)
	fork, err := c.EnsureFork(context.Background(), "acme", "widgets")
	if err != nil {
		t.Fatalf("ensure fork: %v", err)
	}
	if fork.FullName != "orc-bot/widgets" {
		t.Fatalf("unexpected fork: %+v", fork)
	}
}

func TestSplitFullName(t *testing.T) {
	owner, repo, ok := SplitFullName("acme/widgets")
	if !ok || owner != "acme" || repo != "widgets" {
		t.Fatalf("unexpected split: %s %s %v", owner, repo, ok)
	}
	if _, _, ok := SplitFullName("not-a-full-name"); ok {
		t.Fatalf("expected split to fail for malformed input")
	}
}
