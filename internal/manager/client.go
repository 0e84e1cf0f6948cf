package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"attestd/internal/attestation"
	"attestd/internal/webauthn"
)

// Backend ceremony endpoints, relative to the configured base URL.
const (
	registerStartPath      = "/webauthn/register/start"
	registerFinishPath     = "/webauthn/register/finish"
	authenticateStartPath  = "/webauthn/authenticate/start"
	authenticateFinishPath = "/webauthn/authenticate/finish"
)

// maxErrorBody bounds how much of an error response body is read back.
const maxErrorBody = 4096

// TransportError is a non-2xx response from the attestation backend. The
// response body is carried through so callers see the server's own message.
type TransportError struct {
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	if e.Body != "" {
		return e.Body
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

// ClientConfig configures the backend client.
type ClientConfig struct {
	// BaseURL of the attestation backend, e.g. "https://api.example.com".
	BaseURL string

	// Timeout for HTTP requests.
	Timeout time.Duration

	// HTTPClient overrides the default client when set. Used by tests.
	HTTPClient *http.Client
}

// Client talks to the attestation backend's WebAuthn ceremony endpoints.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a backend client.
func NewClient(config ClientConfig) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		client:  client,
	}
}

// registerStartRequest begins a registration ceremony.
type registerStartRequest struct {
	DeviceName string `json:"device_name,omitempty"`
}

// startResponse is the server's opening move for either ceremony: a
// challenge handle plus still-encoded WebAuthn options.
type startResponse struct {
	ChallengeID string          `json:"challenge_id"`
	PublicKey   json.RawMessage `json:"public_key"`
}

type registerFinishRequest struct {
	ChallengeID string                     `json:"challenge_id"`
	Response    *webauthn.CreationResponse `json:"response"`
}

type authenticateStartRequest struct {
	CredentialID string `json:"credential_id"`
}

type authenticateFinishRequest struct {
	ChallengeID string                        `json:"challenge_id"`
	Response    *webauthn.AssertionCredential `json:"response"`
}

// finishResponse closes either ceremony with the attestation the server
// minted for this device.
type finishResponse struct {
	DeviceAttestation *attestation.DeviceAttestation `json:"device_attestation"`
}

// RegisterStart asks the backend to open a registration ceremony.
func (c *Client) RegisterStart(ctx context.Context, deviceName string) (*startResponse, error) {
	var out startResponse
	err := c.post(ctx, registerStartPath, &registerStartRequest{DeviceName: deviceName}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterFinish submits the authenticator's attestation response.
func (c *Client) RegisterFinish(ctx context.Context, challengeID string, resp *webauthn.CreationResponse) (*attestation.DeviceAttestation, error) {
	var out finishResponse
	err := c.post(ctx, registerFinishPath, &registerFinishRequest{
		ChallengeID: challengeID,
		Response:    resp,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.DeviceAttestation == nil {
		return nil, fmt.Errorf("manager: server returned no attestation")
	}
	return out.DeviceAttestation, nil
}

// AuthenticateStart asks the backend to open an authentication ceremony
// for the given credential.
func (c *Client) AuthenticateStart(ctx context.Context, credentialID string) (*startResponse, error) {
	var out startResponse
	err := c.post(ctx, authenticateStartPath, &authenticateStartRequest{CredentialID: credentialID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AuthenticateFinish submits the authenticator's assertion.
func (c *Client) AuthenticateFinish(ctx context.Context, challengeID string, cred *webauthn.AssertionCredential) (*attestation.DeviceAttestation, error) {
	var out finishResponse
	err := c.post(ctx, authenticateFinishPath, &authenticateFinishRequest{
		ChallengeID: challengeID,
		Response:    cred,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.DeviceAttestation == nil {
		return nil, fmt.Errorf("manager: server returned no attestation")
	}
	return out.DeviceAttestation, nil
}

// post sends a JSON request and decodes a JSON response. Non-2xx responses
// become a *TransportError carrying the body text verbatim.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &TransportError{
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(raw)),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
