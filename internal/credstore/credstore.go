// Package credstore persists one opaque session credential per (source,
// local user) pair, encrypted at rest. Ownership is verified on every read:
// a credential written by a different local user is purged, never reused.
package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/matheus3301/chathub/internal/model"
	"go.uber.org/zap"
)

// Credential is the decrypted on-disk record.
type Credential struct {
	UserID  string       `json:"user_id"`
	Source  model.Source `json:"source"`
	Token   string       `json:"token"`
	SavedAt time.Time    `json:"saved_at"`
}

// Info describes a stored credential without exposing the token.
type Info struct {
	Source  model.Source
	SavedAt time.Time
}

// Store reads and writes encrypted credential files under dir, scoped to a
// single local user identity.
type Store struct {
	dir        string
	userID     string
	passphrase string
	logger     *zap.Logger
}

// New creates a credential store for the given local user.
func New(dir, userID, passphrase string, logger *zap.Logger) *Store {
	return &Store{dir: dir, userID: userID, passphrase: passphrase, logger: logger}
}

func (s *Store) path(source model.Source) string {
	return filepath.Join(s.dir, string(source)+".cred")
}

// Put stores the credential for source, replacing any previous one.
func (s *Store) Put(source model.Source, token string) error {
	cred := Credential{
		UserID:  s.userID,
		Source:  source,
		Token:   token,
		SavedAt: time.Now().UTC(),
	}
	plaintext, err := json.Marshal(&cred)
	if err != nil {
		return err
	}
	data, err := encrypt(s.passphrase, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(s.path(source), data, 0600)
}

// Get returns the stored token for source. The second return is false when
// no usable credential exists. A credential that fails decryption or belongs
// to a different user is purged and treated as missing.
func (s *Store) Get(source model.Source) (string, bool, error) {
	data, err := os.ReadFile(s.path(source))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	plaintext, err := decrypt(s.passphrase, data)
	if err != nil {
		s.logger.Warn("purging unreadable credential",
			zap.String("source", string(source)), zap.Error(err))
		_ = os.Remove(s.path(source))
		return "", false, nil
	}

	var cred Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		_ = os.Remove(s.path(source))
		return "", false, nil
	}
	if cred.UserID != s.userID {
		s.logger.Warn("purging foreign credential",
			zap.String("source", string(source)),
			zap.String("owner", cred.UserID))
		_ = os.Remove(s.path(source))
		return "", false, nil
	}
	return cred.Token, true, nil
}

// Delete removes the credential for source. Missing files are not an error.
func (s *Store) Delete(source model.Source) error {
	err := os.Remove(s.path(source))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List returns info for every credential owned by the current user.
func (s *Store) List() ([]Info, error) {
	var infos []Info
	for _, source := range model.Sources() {
		data, err := os.ReadFile(s.path(source))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		plaintext, err := decrypt(s.passphrase, data)
		if err != nil {
			continue
		}
		var cred Credential
		if err := json.Unmarshal(plaintext, &cred); err != nil || cred.UserID != s.userID {
			continue
		}
		infos = append(infos, Info{Source: source, SavedAt: cred.SavedAt})
	}
	return infos, nil
}
