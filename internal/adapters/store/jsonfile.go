// Package store persists per-channel audio policy as flat JSON files, one
// file per (server, channel) scope.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/nebulachat/voicecore/internal/domain"
)

type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Load returns the stored policy for scope, or an empty policy when none
// was ever saved.
func (s *FileStore) Load(scope domain.PolicyScope) (domain.ChannelPolicy, error) {
	data, err := os.ReadFile(s.path(scope))
	if errors.Is(err, fs.ErrNotExist) {
		return domain.NewChannelPolicy(), nil
	}
	if err != nil {
		return domain.ChannelPolicy{}, fmt.Errorf("read policy: %w", err)
	}
	var p domain.ChannelPolicy
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.ChannelPolicy{}, fmt.Errorf("decode policy: %w", err)
	}
	if p.UserVolumes == nil {
		p.UserVolumes = make(map[domain.UserID]int)
	}
	return p, nil
}

// Save writes the policy atomically (temp file + rename).
func (s *FileStore) Save(scope domain.PolicyScope, p domain.ChannelPolicy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	path := s.path(scope)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit policy: %w", err)
	}
	log.Debug().
		Str("module", "adapters.store").
		Str("path", path).
		Msg("policy saved")
	return nil
}

func (s *FileStore) path(scope domain.PolicyScope) string {
	name := fmt.Sprintf("volumes-%s-%s.json", sanitize(scope.ServerID), sanitize(scope.ChannelID))
	return filepath.Join(s.dir, name)
}

// sanitize keeps scope components filesystem-safe.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
