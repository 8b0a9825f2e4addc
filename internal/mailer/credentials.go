package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nimasrn/campaign-engine/pkg/redis"
	"golang.org/x/oauth2"
)

// ErrNoCredential is returned by a store that holds nothing.
var ErrNoCredential = errors.New("no stored credential")

// Credential is the persisted form of an OAuth token.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
}

func credentialFromToken(tok *oauth2.Token, scopes []string) *Credential {
	return &Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		Scopes:       scopes,
	}
}

func (c *Credential) token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.Expiry,
	}
}

type CredentialStore interface {
	Load(ctx context.Context) (*Credential, error)
	Save(ctx context.Context, c *Credential) error
	Delete(ctx context.Context) error
}

// FileCredentialStore keeps the credential in a single JSON file.
type FileCredentialStore struct {
	path string
}

func NewFileCredentialStore(path string) *FileCredentialStore {
	return &FileCredentialStore{path: path}
}

func (s *FileCredentialStore) Load(_ context.Context) (*Credential, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("read credential: %w", err)
	}
	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode credential %s: %w", s.path, err)
	}
	return &c, nil
}

// Save writes through a temp file and a rename so a crash never leaves a
// truncated credential behind.
func (s *FileCredentialStore) Save(_ context.Context, c *Credential) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}

	f, err := os.CreateTemp(dir, ".credential-*")
	if err != nil {
		return fmt.Errorf("create temp credential: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("write credential: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace credential: %w", err)
	}
	return nil
}

func (s *FileCredentialStore) Delete(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// RedisCredentialStore shares one credential between API instances.
type RedisCredentialStore struct {
	redis redis.RedisAdapter
	key   string
}

func NewRedisCredentialStore(r redis.RedisAdapter, key string) *RedisCredentialStore {
	return &RedisCredentialStore{redis: r, key: key}
}

func (s *RedisCredentialStore) Load(ctx context.Context) (*Credential, error) {
	raw, err := s.redis.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, redis.NilError) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("read credential: %w", err)
	}
	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	return &c, nil
}

func (s *RedisCredentialStore) Save(ctx context.Context, c *Credential) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, s.key, raw, 0)
}

func (s *RedisCredentialStore) Delete(ctx context.Context) error {
	return s.redis.Del(ctx, s.key)
}
