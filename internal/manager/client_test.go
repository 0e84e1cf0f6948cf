package manager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransportErrorCarriesBodyVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "challenge expired", http.StatusGone)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := c.RegisterStart(context.Background(), "laptop")
	require.Error(t, err)

	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	require.Equal(t, http.StatusGone, terr.Status)
	require.Equal(t, "challenge expired", terr.Error())
}

func TestTransportErrorEmptyBodyFallsBackToStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := c.RegisterStart(context.Background(), "")

	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	require.Equal(t, "server returned 404", terr.Error())
}

func TestClientPostsJSON(t *testing.T) {
	var gotContentType string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeJSON(w, map[string]interface{}{"challenge_id": "c9", "public_key": map[string]string{}})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL + "/"})
	resp, err := c.RegisterStart(context.Background(), "laptop")
	require.NoError(t, err)

	require.Equal(t, "application/json", gotContentType)
	require.Equal(t, map[string]interface{}{"device_name": "laptop"}, gotBody)
	require.Equal(t, "c9", resp.ChallengeID)
}

func TestClientOmitsEmptyDeviceName(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeJSON(w, map[string]interface{}{"challenge_id": "c9", "public_key": map[string]string{}})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := c.RegisterStart(context.Background(), "")
	require.NoError(t, err)
	require.NotContains(t, gotBody, "device_name")
}

func TestAuthenticateStartSendsCredentialID(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeJSON(w, map[string]interface{}{"challenge_id": "c2", "public_key": map[string]string{}})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := c.AuthenticateStart(context.Background(), "cred1")
	require.NoError(t, err)
	require.Equal(t, "/webauthn/authenticate/start", gotPath)
	require.Equal(t, map[string]interface{}{"credential_id": "cred1"}, gotBody)
}

func TestFinishWithoutAttestationIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := c.RegisterFinish(context.Background(), "c1", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no attestation")
}

func TestClientHonorsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := c.RegisterStart(ctx, "")
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
}
