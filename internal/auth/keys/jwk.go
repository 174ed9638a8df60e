package keys

import (
	"crypto"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
)

// PublicKey returns the public JWK for kid. Private material never leaves the manager.
func (m *Manager) PublicKey(kid string) (jose.JSONWebKey, error) {
	kp, ok := m.lookup(kid)
	if !ok {
		return jose.JSONWebKey{}, ErrKeyNotFound
	}
	return publicJWK(kp), nil
}

// PublicKeySet returns every key still valid for verification.
func (m *Manager) PublicKeySet() jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}
	for _, kid := range m.KeyIDs() {
		if kp, ok := m.lookup(kid); ok {
			set.Keys = append(set.Keys, publicJWK(kp))
		}
	}
	return set
}

func publicJWK(kp *keyPair) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       kp.public,
		KeyID:     kp.kid,
		Algorithm: kp.method.Alg(),
		Use:       "sig",
	}
}

// LoadSigningJWK reads a private JWK from path and returns its kid and signer.
func LoadSigningJWK(path string) (string, crypto.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read signing jwk: %w", err)
	}
	return ParseSigningJWK(raw)
}

// ParseSigningJWK decodes a private Ed25519, RSA or P-256 JWK.
func ParseSigningJWK(raw []byte) (string, crypto.Signer, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return "", nil, fmt.Errorf("decode signing jwk: %w", err)
	}
	if !jwk.Valid() || jwk.IsPublic() {
		return "", nil, fmt.Errorf("signing jwk must be a valid private key")
	}
	signer, ok := jwk.Key.(crypto.Signer)
	if !ok {
		return "", nil, fmt.Errorf("unsupported signing jwk key type %T", jwk.Key)
	}
	if _, err := methodFor(signer.Public()); err != nil {
		return "", nil, err
	}
	return jwk.KeyID, signer, nil
}
