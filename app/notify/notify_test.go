package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewService_Disabled(t *testing.T) {
	assert.Nil(t, NewService(Params{}), "no destinations")
	assert.Nil(t, NewService(Params{Destinations: []string{"https://example.com"}}), "no triggers")
	assert.Nil(t, NewService(Params{OnError: true}), "no destinations with trigger")
	require.NotNil(t, NewService(Params{Destinations: []string{"https://example.com"}, OnError: true}))
}

func TestService_NilSafe(t *testing.T) {
	var svc *Service
	assert.False(t, svc.IsOnError())
	assert.False(t, svc.IsOnCompletion())
	assert.NoError(t, svc.Send(context.Background(), "subj", "text"))
}

func TestMakeErrorHTMLDefault(t *testing.T) {
	svc := NewService(Params{Destinations: []string{"https://example.com"}, OnError: true, HostName: "host1"})
	require.NotNil(t, svc)
	res, err := svc.MakeErrorHTML("serviceA", "repos/serviceA/Dockerfile", "some log")
	require.NoError(t, err)
	assert.Contains(t, res, "<li>Job: <b>serviceA</b></li>")
	assert.Contains(t, res, "<li>Target: <b>repos/serviceA/Dockerfile</b></li>")
	assert.Contains(t, res, "buildq job failed on <b>host1</b>")
	assert.Contains(t, res, "some log")
}

func TestMakeErrorHTMLCustom(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "err.tmpl")
	require.NoError(t, os.WriteFile(fname, []byte("job failed: {{.Identity}}"), 0o600))

	svc := NewService(Params{Destinations: []string{"https://example.com"}, OnError: true, ErrorTemplate: fname})
	res, err := svc.MakeErrorHTML("serviceA", "t", "log")
	require.NoError(t, err)
	assert.Equal(t, "job failed: serviceA", res)

	// broken custom template falls back to the default
	require.NoError(t, os.WriteFile(fname, []byte("{{.Broken"), 0o600))
	res, err = svc.MakeErrorHTML("serviceA", "t", "log")
	require.NoError(t, err)
	assert.Contains(t, res, "<li>Job: <b>serviceA</b></li>")
}

func TestMakeSummaryHTMLDefault(t *testing.T) {
	svc := NewService(Params{Destinations: []string{"https://example.com"}, OnCompletion: true, HostName: "host1"})
	require.NotNil(t, svc)
	res, err := svc.MakeSummaryHTML(10, 7, 2, 1)
	require.NoError(t, err)
	assert.Contains(t, res, "<li>Attempted: <b>10</b></li>")
	assert.Contains(t, res, "<li>Succeeded: <b>7</b></li>")
	assert.Contains(t, res, "<li>Failed: <b>2</b></li>")
	assert.Contains(t, res, "<li>Skipped: <b>1</b></li>")
	assert.Contains(t, res, "buildq batch completed")
}

func TestService_SendWebhook(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	svc := NewService(Params{Destinations: []string{ts.URL, ts.URL + "/second"}, OnError: true, Timeout: 2 * time.Second})
	require.NotNil(t, svc)
	require.NoError(t, svc.Send(context.Background(), "failed", "details"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "all destinations hit")
}

func TestService_SendCollectsErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer ts.Close()

	svc := NewService(Params{Destinations: []string{ts.URL}, OnError: true, Timeout: 2 * time.Second})
	err := svc.Send(context.Background(), "failed", "details")
	assert.Error(t, err)
}
