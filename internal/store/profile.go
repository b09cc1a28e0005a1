package store

import (
	"context"
	"encoding/json"
	"fmt"

	"securechat/internal/models"
)

const ProfileKey = "securechat_user_info"

// ProfileStore keeps the onboarding result under a fixed name as JSON.
type ProfileStore struct {
	kv KV
}

func NewProfileStore(kv KV) *ProfileStore {
	return &ProfileStore{kv: kv}
}

func (s *ProfileStore) Save(ctx context.Context, p models.UserProfile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, ProfileKey, data)
}

// Load returns (nil, nil) when no profile was saved.
func (s *ProfileStore) Load(ctx context.Context) (*models.UserProfile, error) {
	data, err := s.kv.Get(ctx, ProfileKey)
	if err != nil || data == nil {
		return nil, err
	}
	var p models.UserProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

func (s *ProfileStore) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, ProfileKey)
}
