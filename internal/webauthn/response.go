package webauthn

// CreationResponse is the JSON form of a PublicKeyCredential produced by a
// create ceremony, as posted to the register/finish endpoint.
type CreationResponse struct {
	ID       string              `json:"id"`
	RawID    URLBytes            `json:"rawId"`
	Type     string              `json:"type"`
	Response AttestationResponse `json:"response"`
}

// AttestationResponse carries the authenticator's attestation output.
type AttestationResponse struct {
	ClientDataJSON    URLBytes `json:"clientDataJSON"`
	AttestationObject URLBytes `json:"attestationObject"`
}

// AssertionCredential is the JSON form of a PublicKeyCredential produced by
// a get ceremony, as posted to the authenticate/finish endpoint.
type AssertionCredential struct {
	ID       string            `json:"id"`
	RawID    URLBytes          `json:"rawId"`
	Type     string            `json:"type"`
	Response AssertionResponse `json:"response"`
}

// AssertionResponse carries the authenticator's assertion output. UserHandle
// is omitted when the authenticator did not return one.
type AssertionResponse struct {
	ClientDataJSON    URLBytes `json:"clientDataJSON"`
	AuthenticatorData URLBytes `json:"authenticatorData"`
	Signature         URLBytes `json:"signature"`
	UserHandle        URLBytes `json:"userHandle,omitempty"`
}
