package credential

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/execbroker/execbroker/persistence"
)

type (
	// PlaintextProvider reads the record's payload directly from its secret
	// document. Suited to local development and tests; production records
	// use an envelope provider.
	PlaintextProvider struct{}

	// KeyUnwrapper decrypts an envelope ciphertext into the JSON-encoded
	// payload document. Implementations typically call out to a KMS or
	// vault service.
	KeyUnwrapper interface {
		Unwrap(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error)
	}

	// EnvelopeProvider handles records whose secret document is an opaque
	// envelope: {"keyId": ..., "ciphertext": base64}. The unwrapped
	// plaintext must be a flat JSON object of string values.
	EnvelopeProvider struct {
		Unwrapper KeyUnwrapper
	}
)

// Decrypt flattens the record's secret document into string values.
// Non-string values render as compact JSON.
func (PlaintextProvider) Decrypt(_ context.Context, record *persistence.Credential) (map[string]string, error) {
	out := make(map[string]string, len(record.SecretJSON))
	for k, v := range record.SecretJSON {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("credential: encode secret field %s: %w", k, err)
		}
		out[k] = string(raw)
	}
	return out, nil
}

// Decrypt unwraps the envelope through the injected KeyUnwrapper and decodes
// the resulting plaintext payload.
func (p EnvelopeProvider) Decrypt(ctx context.Context, record *persistence.Credential) (map[string]string, error) {
	if p.Unwrapper == nil {
		return nil, fmt.Errorf("credential: envelope provider has no unwrapper")
	}
	keyID, _ := record.SecretJSON["keyId"].(string)
	encoded, _ := record.SecretJSON["ciphertext"].(string)
	if encoded == "" {
		return nil, fmt.Errorf("credential: envelope record %s has no ciphertext", record.ID)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("credential: decode ciphertext for %s: %w", record.ID, err)
	}
	plaintext, err := p.Unwrapper.Unwrap(ctx, keyID, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("credential: unwrap %s: %w", record.ID, err)
	}
	var payload map[string]string
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("credential: decode payload for %s: %w", record.ID, err)
	}
	return payload, nil
}
