package hydra

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanregner/hydra-sentinel/internal/model"
)

const queueJSON = `[
	{"project": "nixpkgs", "jobset": "trunk", "finished": 0, "starttime": null, "stoptime": null, "buildstatus": null, "system": "x86_64-linux"},
	{"project": "nix-config", "jobset": "main", "finished": 1, "starttime": 1700000000, "stoptime": 1700000100, "buildstatus": 0, "system": "aarch64-darwin"}
]`

func TestGetQueue(t *testing.T) {
	var gotAccept, gotReferer string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/queue", r.URL.Path)
		gotAccept = r.Header.Get("Accept")
		gotReferer = r.Header.Get("Referer")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(queueJSON))
	}))
	defer ts.Close()

	client := NewClient(ts.URL)
	builds, err := client.GetQueue(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, ts.URL+"/", gotReferer)

	require.Len(t, builds, 2)
	assert.Equal(t, "nixpkgs", builds[0].Project)
	assert.Equal(t, model.X86_64Linux, builds[0].System)
	assert.False(t, bool(builds[0].Finished))
	assert.Nil(t, builds[0].StartTime)

	assert.Equal(t, model.Aarch64Darwin, builds[1].System)
	assert.True(t, bool(builds[1].Finished))
	require.NotNil(t, builds[1].StartTime)
	assert.EqualValues(t, 1700000000, *builds[1].StartTime)
}

func TestGetQueue_UnknownSystemRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"project": "p", "jobset": "j", "finished": 0, "system": "vax-vms"}]`))
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL).GetQueue(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown system type")
}

func TestGetQueue_ErrorIncludesBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "queue runner down", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL).GetQueue(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "queue runner down")
}

func TestPush(t *testing.T) {
	event := []byte(`{"ref": "refs/heads/main"}`)

	var gotBody []byte
	var gotReferer string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/push-github", r.URL.Path)
		gotReferer = r.Header.Get("Referer")
		var err error
		gotBody, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		_, _ = w.Write([]byte(`{"jobsetsTriggered": ["nix-config:main"]}`))
	}))
	defer ts.Close()

	response, err := NewClient(ts.URL).Push(context.Background(), event)
	require.NoError(t, err)

	assert.Equal(t, event, gotBody)
	assert.Equal(t, ts.URL+"/", gotReferer)
	assert.JSONEq(t, `{"jobsetsTriggered": ["nix-config:main"]}`, string(response))
}

func TestIntBool(t *testing.T) {
	var b IntBool
	require.NoError(t, json.Unmarshal([]byte("0"), &b))
	assert.False(t, bool(b))

	require.NoError(t, json.Unmarshal([]byte("1"), &b))
	assert.True(t, bool(b))

	require.Error(t, json.Unmarshal([]byte(`"yes"`), &b))
}

func TestNewClient_TrimsTrailingSlash(t *testing.T) {
	client := NewClient("http://hydra.example.com/")
	assert.Equal(t, "http://hydra.example.com", client.baseURL)
}
