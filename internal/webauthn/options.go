package webauthn

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Credential type and algorithm identifiers used in ceremony options.
const (
	CredentialTypePublicKey = "public-key"

	AlgES256 = -7
	AlgRS256 = -257
)

// Authenticator attachment values.
const (
	AttachmentPlatform      = "platform"
	AttachmentCrossPlatform = "cross-platform"
)

// User verification requirements.
const (
	VerificationRequired    = "required"
	VerificationPreferred   = "preferred"
	VerificationDiscouraged = "discouraged"
)

var (
	ErrMissingChallenge = errors.New("webauthn: options missing challenge")
	ErrMissingUserID    = errors.New("webauthn: creation options missing user id")
)

// RelyingParty identifies the server the credential is scoped to.
type RelyingParty struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// User is the account the new credential is registered for.
type User struct {
	ID          URLBytes `json:"id"`
	Name        string   `json:"name,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
}

// CredentialParam names an acceptable credential type and COSE algorithm.
type CredentialParam struct {
	Type string `json:"type"`
	Alg  int    `json:"alg"`
}

// CredentialDescriptor references an existing credential in an exclude or
// allow list.
type CredentialDescriptor struct {
	Type       string   `json:"type"`
	ID         URLBytes `json:"id"`
	Transports []string `json:"transports,omitempty"`
}

// AuthenticatorSelection constrains which authenticators may satisfy a
// creation ceremony.
type AuthenticatorSelection struct {
	AuthenticatorAttachment string `json:"authenticatorAttachment,omitempty"`
	ResidentKey             string `json:"residentKey,omitempty"`
	RequireResidentKey      bool   `json:"requireResidentKey,omitempty"`
	UserVerification        string `json:"userVerification,omitempty"`
}

// CreationOptions are the PublicKeyCredentialCreationOptions delivered by
// the register/start endpoint.
type CreationOptions struct {
	Challenge              URLBytes                `json:"challenge"`
	RP                     RelyingParty            `json:"rp"`
	User                   User                    `json:"user"`
	PubKeyCredParams       []CredentialParam       `json:"pubKeyCredParams,omitempty"`
	Timeout                uint64                  `json:"timeout,omitempty"`
	Attestation            string                  `json:"attestation,omitempty"`
	AuthenticatorSelection *AuthenticatorSelection `json:"authenticatorSelection,omitempty"`
	ExcludeCredentials     []CredentialDescriptor  `json:"excludeCredentials,omitempty"`
	Extensions             map[string]any          `json:"extensions,omitempty"`
}

// RequestOptions are the PublicKeyCredentialRequestOptions delivered by the
// authenticate/start endpoint.
type RequestOptions struct {
	Challenge        URLBytes               `json:"challenge"`
	RPID             string                 `json:"rpId,omitempty"`
	Timeout          uint64                 `json:"timeout,omitempty"`
	UserVerification string                 `json:"userVerification,omitempty"`
	AllowCredentials []CredentialDescriptor `json:"allowCredentials,omitempty"`
	Extensions       map[string]any         `json:"extensions,omitempty"`
}

// NormalizeCreationOptions parses raw creation options from the server,
// decoding the fields that may still be in base64url text form: the
// challenge, the user id, and every excludeCredentials entry. Fields the
// server already sent as binary pass through untouched.
func NormalizeCreationOptions(raw json.RawMessage) (*CreationOptions, error) {
	var opts CreationOptions
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, fmt.Errorf("webauthn: parse creation options: %w", err)
	}
	if len(opts.Challenge) == 0 {
		return nil, ErrMissingChallenge
	}
	if len(opts.User.ID) == 0 {
		return nil, ErrMissingUserID
	}
	for i, c := range opts.ExcludeCredentials {
		if len(c.ID) == 0 {
			return nil, fmt.Errorf("webauthn: excludeCredentials[%d] missing id", i)
		}
	}
	return &opts, nil
}

// NormalizeRequestOptions parses raw request options from the server,
// decoding the challenge and every allowCredentials entry.
func NormalizeRequestOptions(raw json.RawMessage) (*RequestOptions, error) {
	var opts RequestOptions
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, fmt.Errorf("webauthn: parse request options: %w", err)
	}
	if len(opts.Challenge) == 0 {
		return nil, ErrMissingChallenge
	}
	for i, c := range opts.AllowCredentials {
		if len(c.ID) == 0 {
			return nil, fmt.Errorf("webauthn: allowCredentials[%d] missing id", i)
		}
	}
	return &opts, nil
}
