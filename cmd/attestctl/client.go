package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"attestd/internal/config"
)

// apiClient talks to the attestd control API over loopback. Constructing
// one pings the daemon, so a returned client is known to be reachable.
type apiClient struct {
	baseURL string
	http    *http.Client
}

// statusResponse mirrors the daemon's GET /v1/status body.
type statusResponse struct {
	Version       string `json:"version"`
	Phase         string `json:"phase"`
	Supported     bool   `json:"supported"`
	Registered    bool   `json:"registered"`
	Authenticated bool   `json:"authenticated"`
	Loading       bool   `json:"loading"`
	Fresh         bool   `json:"fresh"`
	LastError     string `json:"last_error"`
	CredentialID  string `json:"credential_id"`
	DeviceName    string `json:"device_name"`
	AttestedAt    int64  `json:"attested_at"`
	UptimeSec     int64  `json:"uptime_sec"`
}

// ceremonyResponse mirrors the daemon's ceremony endpoint bodies.
type ceremonyResponse struct {
	Success   bool   `json:"success"`
	Phase     string `json:"phase"`
	LastError string `json:"last_error"`
}

func newAPIClient(cfg *config.Config) (*apiClient, error) {
	c := &apiClient{
		baseURL: "http://" + cfg.API.Listen,
		http:    &http.Client{Timeout: cfg.APITimeout() + 30*time.Second},
	}
	// Liveness ping; ceremony timeouts are handled per request.
	ping := &http.Client{Timeout: 2 * time.Second}
	resp, err := ping.Get(c.baseURL + "/healthz")
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s", cfg.API.Listen)
	}
	resp.Body.Close()
	return c, nil
}

func (c *apiClient) Status() (*statusResponse, error) {
	var status statusResponse
	if err := c.get("/v1/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Attestation returns the serialized attestation document verbatim.
func (c *apiClient) Attestation() (string, error) {
	resp, err := c.http.Get(c.baseURL + "/v1/attestation")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s", strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *apiClient) Register(deviceName string) (*ceremonyResponse, error) {
	body := map[string]string{}
	if deviceName != "" {
		body["device_name"] = deviceName
	}
	return c.ceremony("/v1/register", body)
}

func (c *apiClient) Authenticate() (*ceremonyResponse, error) {
	return c.ceremony("/v1/authenticate", nil)
}

func (c *apiClient) Clear() (*ceremonyResponse, error) {
	return c.ceremony("/v1/clear", nil)
}

func (c *apiClient) ceremony(path string, body interface{}) (*ceremonyResponse, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}

	resp, err := c.http.Post(c.baseURL+path, "application/json", &buf)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s", strings.TrimSpace(string(msg)))
	}

	var out ceremonyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) get(path string, out interface{}) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s", strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
