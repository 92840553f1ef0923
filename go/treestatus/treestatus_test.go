package treestatus

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	assert "github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/current", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		fmt.Fprint(w, `{"message": "Tree is open", "general_state": "open"}`)
	}))
	defer srv.Close()

	c := &Client{HTTP: srv.Client(), Root: srv.URL}
	status, err := c.Get(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "Tree is open", status.Message)
	assert.Equal(t, StateOpen, status.GeneralState)
}

func TestGetLoginRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			// First attempt gets bounced to a login page.
			fmt.Fprint(w, `<html>Please login to continue</html>`)
			return
		}
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "bot", r.PostForm.Get("username"))
		assert.Equal(t, "hunter2", r.PostForm.Get("password"))
		fmt.Fprint(w, `{"message": "Tree is closed (Automatic)", "general_state": "closed"}`)
	}))
	defer srv.Close()

	c := &Client{HTTP: srv.Client(), Root: srv.URL, Username: "bot", Password: "hunter2"}
	status, err := c.Get(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, status.GeneralState)
}

func TestGetMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `this is not json`)
	}))
	defer srv.Close()

	c := &Client{HTTP: srv.Client(), Root: srv.URL}
	_, err := c.Get(context.Background())
	assert.Error(t, err)
}

func TestSet(t *testing.T) {
	var gotMessage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/status", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		gotMessage = r.PostForm.Get("message")
		assert.Equal(t, "bot", r.PostForm.Get("username"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &Client{HTTP: srv.Client(), Root: srv.URL, Username: "bot", Password: "hunter2"}
	assert.NoError(t, c.Set(context.Background(), "Tree is closed (Automatic)"))
	assert.Equal(t, "Tree is closed (Automatic)", gotMessage)
}

func TestSetError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := &Client{HTTP: srv.Client(), Root: srv.URL}
	assert.Error(t, c.Set(context.Background(), "Tree is closed"))
}
