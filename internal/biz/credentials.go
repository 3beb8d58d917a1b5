package biz

import (
	"fmt"
	"strings"

	"MetaCrew/internal/conf"
	"MetaCrew/pkg/crypto"
)

// freeSuffix marks OpenRouter's zero-priced model variants.
const freeSuffix = ":free"

// CredentialStore resolves the API key for a model: an exact per-model key,
// then the key of the base model without ":free", then the default key.
type CredentialStore struct {
	defaultKey string
	keys       map[string]string
}

// NewCredentialStore opens "enc:" sealed values with c.EncryptionKey.
func NewCredentialStore(c *conf.OpenRouter) (*CredentialStore, error) {
	store := &CredentialStore{keys: make(map[string]string)}
	if c == nil {
		return store, nil
	}

	var sealer *crypto.Sealer
	if c.EncryptionKey != "" {
		s, err := crypto.NewSealer(c.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("openrouter.encryption_key: %w", err)
		}
		sealer = s
	}

	def, err := crypto.OpenValue(sealer, strings.TrimSpace(c.DefaultApiKey))
	if err != nil {
		return nil, fmt.Errorf("openrouter.default_api_key: %w", err)
	}
	store.defaultKey = def

	for _, mk := range c.ModelKeys {
		if mk == nil || mk.Model == "" {
			continue
		}
		key, err := crypto.OpenValue(sealer, strings.TrimSpace(mk.ApiKey))
		if err != nil {
			return nil, fmt.Errorf("openrouter.model_keys[%s]: %w", mk.Model, err)
		}
		if key != "" {
			store.keys[mk.Model] = key
		}
	}
	return store, nil
}

// KeyFor returns "" when nothing matches and no default key is set.
func (s *CredentialStore) KeyFor(modelID string) string {
	if key, ok := s.keys[modelID]; ok {
		return key
	}
	if base := strings.TrimSuffix(modelID, freeSuffix); base != modelID {
		if key, ok := s.keys[base]; ok {
			return key
		}
	}
	return s.defaultKey
}

func (s *CredentialStore) DefaultKey() string {
	return s.defaultKey
}

// Configured reports whether any key is available at all.
func (s *CredentialStore) Configured() bool {
	return s.defaultKey != "" || len(s.keys) > 0
}
