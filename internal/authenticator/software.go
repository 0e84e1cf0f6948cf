package authenticator

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"

	"attestd/internal/attestation"
	"attestd/internal/security"
	"attestd/internal/webauthn"
)

// cborEncMode is CTAP2 canonical CBOR, the encoding authenticators use on
// the wire.
var cborEncMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CTAP2EncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// Domain separation label for credential key derivation. Changing it would
// orphan every credential derived under the old label.
const credentialKeyDomain = "attestd-credential-key-v1"

const (
	seedFileName  = "seed"
	stateFileName = "credentials.json"

	seedSize         = 32
	credentialIDSize = 16
	maxStateFileSize = 1 << 20
)

// storedCredential is the per-credential record kept on disk. The private
// key is absent: it is re-derived from the seed and the credential id.
type storedCredential struct {
	ID         string `json:"id"` // base64url
	RPID       string `json:"rp_id"`
	UserHandle string `json:"user_handle,omitempty"` // base64url
	SignCount  uint32 `json:"sign_count"`
	CreatedAt  int64  `json:"created_at"`
}

type credentialState struct {
	Credentials []storedCredential `json:"credentials"`
}

// Software is a seed-file authenticator. Every credential's ES256 private
// key is derived from one master seed via HKDF, so the seed file is the
// only secret on disk.
type Software struct {
	mu    sync.Mutex
	cfg   Config
	seed  *security.SecureBytes
	state credentialState

	// Extension points used by the platform authenticator, which runs the
	// same ceremony machinery with hardware-backed identity.
	aaguid      [16]byte
	uvFlag      byte
	signCounter func(*storedCredential) (uint32, error)
}

// NewSoftware creates a software authenticator rooted at cfg.DataDir,
// generating the seed file on first use.
func NewSoftware(cfg Config) (*Software, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("authenticator: data dir not set")
	}
	if err := os.MkdirAll(cfg.DataDir, security.PermSecretDir); err != nil {
		return nil, fmt.Errorf("authenticator: create data dir: %w", err)
	}

	s := &Software{cfg: cfg}
	if err := s.loadOrCreateSeed(); err != nil {
		return nil, err
	}
	if err := s.loadState(); err != nil {
		return nil, err
	}
	return s, nil
}

// Type implements Authenticator.
func (s *Software) Type() attestation.AuthenticatorType {
	return attestation.TypeCrossPlatform
}

// AAGUID implements Authenticator. Self-attested software credentials carry
// the zero AAGUID; the platform authenticator sets its model identifier.
func (s *Software) AAGUID() [16]byte {
	return s.aaguid
}

// Available reports whether the seed is usable for key derivation.
func (s *Software) Available(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seed == nil {
		return false
	}
	_, err := s.deriveKey("probe", []byte("probe"))
	return err == nil
}

// Close wipes the in-memory seed.
func (s *Software) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seed != nil {
		s.seed.Destroy()
		s.seed = nil
	}
	return nil
}

// MakeCredential implements Authenticator. The returned attestation object
// uses the packed format with self attestation.
func (s *Software) MakeCredential(ctx context.Context, opts *webauthn.CreationOptions) (*webauthn.CreationResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts == nil || len(opts.Challenge) == 0 {
		return nil, fmt.Errorf("%w: missing challenge", ErrCeremonyFailed)
	}
	if !supportsES256(opts.PubKeyCredParams) {
		return nil, fmt.Errorf("%w: no supported algorithm offered", ErrCeremonyFailed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seed == nil {
		return nil, ErrNotAvailable
	}

	rpID := s.rpID(opts.RP.ID)
	for _, desc := range opts.ExcludeCredentials {
		if s.findCredential(rpID, webauthn.Encode(desc.ID)) != nil {
			return nil, ErrCredentialExists
		}
	}

	credentialID, err := security.GenerateKey(credentialIDSize)
	if err != nil {
		return nil, fmt.Errorf("authenticator: generate credential id: %w", err)
	}

	priv, err := s.deriveKey(rpID, credentialID)
	if err != nil {
		return nil, err
	}

	cosePub, err := webauthn.EncodeCOSEKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	authData := webauthn.AuthenticatorData{
		RPIDHash:            sha256.Sum256([]byte(rpID)),
		Flags:               webauthn.FlagUserPresent | s.uvFlag | webauthn.FlagAttestedCredentialData,
		SignCount:           0,
		AAGUID:              s.aaguid,
		CredentialID:        credentialID,
		CredentialPublicKey: cosePub,
	}

	clientDataJSON, err := buildClientData(webauthn.ClientDataTypeCreate, opts.Challenge, s.cfg.Origin)
	if err != nil {
		return nil, err
	}

	attObj, err := buildPackedAttestation(priv, authData.Marshal(), clientDataJSON)
	if err != nil {
		return nil, err
	}

	s.state.Credentials = append(s.state.Credentials, storedCredential{
		ID:         webauthn.Encode(credentialID),
		RPID:       rpID,
		UserHandle: webauthn.Encode(opts.User.ID),
		SignCount:  0,
		CreatedAt:  time.Now().Unix(),
	})
	if err := s.saveState(); err != nil {
		s.state.Credentials = s.state.Credentials[:len(s.state.Credentials)-1]
		return nil, err
	}

	return &webauthn.CreationResponse{
		ID:    webauthn.Encode(credentialID),
		RawID: credentialID,
		Type:  webauthn.CredentialTypePublicKey,
		Response: webauthn.AttestationResponse{
			ClientDataJSON:    clientDataJSON,
			AttestationObject: attObj,
		},
	}, nil
}

// GetAssertion implements Authenticator. The sign counter is persisted
// before signing so a crash cannot reuse a counter value.
func (s *Software) GetAssertion(ctx context.Context, opts *webauthn.RequestOptions) (*webauthn.AssertionCredential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts == nil || len(opts.Challenge) == 0 {
		return nil, fmt.Errorf("%w: missing challenge", ErrCeremonyFailed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seed == nil {
		return nil, ErrNotAvailable
	}

	rpID := s.rpID(opts.RPID)
	cred := s.selectCredential(rpID, opts.AllowCredentials)
	if cred == nil {
		return nil, ErrUnknownCredential
	}

	credentialID, err := webauthn.Decode(cred.ID)
	if err != nil {
		return nil, fmt.Errorf("authenticator: stored credential id corrupt: %w", err)
	}

	priv, err := s.deriveKey(cred.RPID, credentialID)
	if err != nil {
		return nil, err
	}

	count, err := s.nextSignCount(cred)
	if err != nil {
		return nil, err
	}

	authData := webauthn.AuthenticatorData{
		RPIDHash:  sha256.Sum256([]byte(cred.RPID)),
		Flags:     webauthn.FlagUserPresent | s.uvFlag,
		SignCount: count,
	}
	authDataBytes := authData.Marshal()

	clientDataJSON, err := buildClientData(webauthn.ClientDataTypeGet, opts.Challenge, s.cfg.Origin)
	if err != nil {
		return nil, err
	}

	sig, err := signCeremony(priv, authDataBytes, clientDataJSON)
	if err != nil {
		return nil, err
	}

	var userHandle []byte
	if cred.UserHandle != "" {
		if userHandle, err = webauthn.Decode(cred.UserHandle); err != nil {
			userHandle = nil
		}
	}

	return &webauthn.AssertionCredential{
		ID:    cred.ID,
		RawID: credentialID,
		Type:  webauthn.CredentialTypePublicKey,
		Response: webauthn.AssertionResponse{
			ClientDataJSON:    clientDataJSON,
			AuthenticatorData: authDataBytes,
			Signature:         sig,
			UserHandle:        userHandle,
		},
	}, nil
}

// rpID resolves the relying party id, falling back to the origin's host
// when the server omitted it.
func (s *Software) rpID(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if u, err := url.Parse(s.cfg.Origin); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return s.cfg.Origin
}

// deriveKey derives the ES256 private key for one credential from the
// master seed. Derivation is deterministic: the same seed, relying party
// and credential id always yield the same key.
func (s *Software) deriveKey(rpID string, credentialID []byte) (*ecdsa.PrivateKey, error) {
	info := make([]byte, 0, len(rpID)+1+len(credentialID))
	info = append(info, rpID...)
	info = append(info, 0x00)
	info = append(info, credentialID...)

	reader := hkdf.New(sha256.New, s.seed.Bytes(), []byte(credentialKeyDomain), info)
	curve := elliptic.P256()
	n := curve.Params().N

	// Rejection sampling keeps the scalar uniform in [1, N-1].
	for attempt := 0; attempt < 64; attempt++ {
		var buf [32]byte
		if _, err := io.ReadFull(reader, buf[:]); err != nil {
			return nil, fmt.Errorf("authenticator: HKDF expand failed: %w", err)
		}
		d := new(big.Int).SetBytes(buf[:])
		if d.Sign() == 0 || d.Cmp(n) >= 0 {
			continue
		}
		priv := &ecdsa.PrivateKey{D: d}
		priv.Curve = curve
		priv.X, priv.Y = curve.ScalarBaseMult(d.Bytes())
		return priv, nil
	}
	return nil, errors.New("authenticator: key derivation exhausted rejection sampling")
}

// findCredential returns the stored credential matching rp and id, or nil.
func (s *Software) findCredential(rpID, id string) *storedCredential {
	for i := range s.state.Credentials {
		c := &s.state.Credentials[i]
		if c.RPID == rpID && c.ID == id {
			return c
		}
	}
	return nil
}

// selectCredential picks the credential to assert with. A non-empty allow
// list restricts the choice; an empty list permits any credential scoped
// to the relying party.
func (s *Software) selectCredential(rpID string, allow []webauthn.CredentialDescriptor) *storedCredential {
	if len(allow) == 0 {
		for i := range s.state.Credentials {
			if s.state.Credentials[i].RPID == rpID {
				return &s.state.Credentials[i]
			}
		}
		return nil
	}
	for _, desc := range allow {
		if c := s.findCredential(rpID, webauthn.Encode(desc.ID)); c != nil {
			return c
		}
	}
	return nil
}

// nextSignCount advances the credential's sign counter and persists it
// before any signature is produced, so a crash cannot reuse a value. A
// hardware counter takes precedence when configured, with the file counter
// as fallback.
func (s *Software) nextSignCount(cred *storedCredential) (uint32, error) {
	if s.signCounter != nil {
		if n, err := s.signCounter(cred); err == nil {
			if n > cred.SignCount {
				cred.SignCount = n
			}
			if err := s.saveState(); err != nil {
				return 0, err
			}
			return cred.SignCount, nil
		}
	}

	cred.SignCount++
	if err := s.saveState(); err != nil {
		cred.SignCount--
		return 0, err
	}
	return cred.SignCount, nil
}

// loadOrCreateSeed reads the seed file, generating it under an exclusive
// lock when absent so two processes cannot both become the first writer.
func (s *Software) loadOrCreateSeed() error {
	seedPath := filepath.Join(s.cfg.DataDir, seedFileName)

	data, err := security.ReadSecretFile(seedPath, seedSize*2)
	if err == nil {
		if err := security.ValidateKeyStrength(data); err != nil {
			return fmt.Errorf("authenticator: seed file unusable: %w", err)
		}
		s.seed, err = security.FromBytes(data)
		return err
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("authenticator: read seed: %w", err)
	}

	lock, err := os.OpenFile(seedPath+".lock", os.O_CREATE|os.O_RDWR, security.PermSecretFile)
	if err != nil {
		return fmt.Errorf("authenticator: open seed lock: %w", err)
	}
	defer func() {
		security.UnlockFile(lock)
		lock.Close()
	}()
	if err := security.LockFile(lock); err != nil {
		return fmt.Errorf("authenticator: lock seed: %w", err)
	}

	// Another process may have won the race while we waited on the lock.
	if data, err := security.ReadSecretFile(seedPath, seedSize*2); err == nil {
		s.seed, err = security.FromBytes(data)
		return err
	}

	fresh, err := security.GenerateKey(seedSize)
	if err != nil {
		return fmt.Errorf("authenticator: generate seed: %w", err)
	}
	if err := security.WriteSecretFile(seedPath, fresh); err != nil {
		return fmt.Errorf("authenticator: write seed: %w", err)
	}
	s.seed, err = security.FromBytes(fresh)
	return err
}

// loadState reads the credential records. A missing or corrupt state file
// starts empty rather than failing construction.
func (s *Software) loadState() error {
	statePath := filepath.Join(s.cfg.DataDir, stateFileName)
	data, err := security.ReadSecretFile(statePath, maxStateFileSize)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("authenticator: read state: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		s.state = credentialState{}
	}
	return nil
}

func (s *Software) saveState() error {
	data, err := json.Marshal(&s.state)
	if err != nil {
		return fmt.Errorf("authenticator: marshal state: %w", err)
	}
	statePath := filepath.Join(s.cfg.DataDir, stateFileName)
	if err := security.WriteSecretFile(statePath, data); err != nil {
		return fmt.Errorf("authenticator: write state: %w", err)
	}
	return nil
}

// supportsES256 reports whether the offered parameters include ES256. An
// empty list means the server accepts any algorithm.
func supportsES256(params []webauthn.CredentialParam) bool {
	if len(params) == 0 {
		return true
	}
	for _, p := range params {
		if p.Alg == webauthn.AlgES256 {
			return true
		}
	}
	return false
}

// buildClientData serializes the collected client data for one ceremony.
func buildClientData(typ string, challenge []byte, origin string) ([]byte, error) {
	data, err := json.Marshal(webauthn.ClientData{
		Type:      typ,
		Challenge: webauthn.Encode(challenge),
		Origin:    origin,
	})
	if err != nil {
		return nil, fmt.Errorf("authenticator: marshal client data: %w", err)
	}
	return data, nil
}

// signCeremony signs authData || SHA-256(clientDataJSON), the WebAuthn
// signature base for both ceremonies.
func signCeremony(priv *ecdsa.PrivateKey, authData, clientDataJSON []byte) ([]byte, error) {
	clientDataHash := sha256.Sum256(clientDataJSON)
	signed := make([]byte, 0, len(authData)+len(clientDataHash))
	signed = append(signed, authData...)
	signed = append(signed, clientDataHash[:]...)
	digest := sha256.Sum256(signed)

	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("authenticator: sign: %w", err)
	}
	return sig, nil
}

// buildPackedAttestation produces a packed self-attestation object over the
// authenticator data and client data.
func buildPackedAttestation(priv *ecdsa.PrivateKey, authData, clientDataJSON []byte) ([]byte, error) {
	sig, err := signCeremony(priv, authData, clientDataJSON)
	if err != nil {
		return nil, err
	}

	obj := webauthn.AttestationObject{
		Format: attestation.FormatPacked,
		AttStmt: map[string]any{
			"alg": int64(webauthn.AlgES256),
			"sig": sig,
		},
		AuthData: authData,
	}
	data, err := cborEncMode.Marshal(&obj)
	if err != nil {
		return nil, fmt.Errorf("authenticator: encode attestation object: %w", err)
	}
	return data, nil
}
