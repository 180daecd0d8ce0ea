// Package vault sella las contraseñas de los CSD antes de persistirlas.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

// ErrOpen el sello no abre con la llave maestra (llave distinta o dato alterado).
var ErrOpen = errors.New("vault: no se pudo abrir la contraseña sellada")

// PassphraseVault sella con secretbox (XSalsa20-Poly1305). Formato: Base64(nonce || caja).
type PassphraseVault struct {
	key [keySize]byte
}

// New construye el vault con la llave maestra en Base64 (32 bytes).
func New(keyB64 string) (*PassphraseVault, error) {
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("vault: llave maestra no es Base64: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("vault: la llave maestra debe tener %d bytes, tiene %d", keySize, len(raw))
	}
	v := &PassphraseVault{}
	copy(v.key[:], raw)
	return v, nil
}

// NewEphemeral vault con llave aleatoria; lo sellado no sobrevive al proceso (modo dev).
func NewEphemeral() (*PassphraseVault, error) {
	v := &PassphraseVault{}
	if _, err := io.ReadFull(rand.Reader, v.key[:]); err != nil {
		return nil, fmt.Errorf("vault: generar llave: %w", err)
	}
	return v, nil
}

// Seal cifra la contraseña con un nonce aleatorio.
func (v *PassphraseVault) Seal(passphrase string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("vault: generar nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(passphrase), &nonce, &v.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open descifra un valor producido por Seal.
func (v *PassphraseVault) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &v.key)
	if !ok {
		return "", ErrOpen
	}
	return string(plain), nil
}
