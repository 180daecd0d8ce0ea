package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/jhoicas/timbrado-cfdi/internal/domain"
	"github.com/jhoicas/timbrado-cfdi/internal/domain/entity"
)

// CredentialStore CSD por RFC en memoria.
type CredentialStore struct {
	mu    sync.RWMutex
	creds map[string]*entity.Credential
}

// NewCredentialStore crea un almacén vacío.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[string]*entity.Credential)}
}

func (s *CredentialStore) Create(_ context.Context, c *entity.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[c.TaxID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrCredentialExists, c.TaxID)
	}
	s.creds[c.TaxID] = copyCredential(c)
	return nil
}

func (s *CredentialStore) Replace(_ context.Context, c *entity.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[c.TaxID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrCredentialNotFound, c.TaxID)
	}
	s.creds[c.TaxID] = copyCredential(c)
	return nil
}

func (s *CredentialStore) GetByTaxID(_ context.Context, taxID string) (*entity.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[taxID]
	if !ok {
		return nil, nil
	}
	return copyCredential(c), nil
}

// copyCredential nunca conserva la contraseña en claro.
func copyCredential(c *entity.Credential) *entity.Credential {
	out := *c
	out.Passphrase = ""
	out.CertificateDER = append([]byte(nil), c.CertificateDER...)
	out.EncryptedKeyDER = append([]byte(nil), c.EncryptedKeyDER...)
	return &out
}
