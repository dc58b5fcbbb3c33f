package storage

import (
	"encoding/json"
	"fmt"

	"github.com/ankraft/acme-cse/internal/model"
)

// redisResource wraps a model.Resource so it implements
// encoding.BinaryMarshaler/BinaryUnmarshaler, which go-redis uses to
// (de)serialize values passed to Set/Get — the same convention the
// teacher uses for its Subscription type.
type redisResource struct {
	*model.Resource
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis storage.
func (r *redisResource) MarshalBinary() ([]byte, error) {
	data, err := json.Marshal(r.Resource)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}
	return data, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis storage.
func (r *redisResource) UnmarshalBinary(data []byte) error {
	if r.Resource == nil {
		r.Resource = &model.Resource{}
	}
	if err := json.Unmarshal(data, r.Resource); err != nil {
		return fmt.Errorf("failed to unmarshal resource: %w", err)
	}
	return nil
}
