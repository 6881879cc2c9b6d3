package storage

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rocketshoes/cartservice/pkg/model"
)

// DefaultKey is the slot key the storefront has always used.
const DefaultKey = "@RocketShoes:cart"

// Slot holds one full cart snapshot under one key. Save overwrites the whole
// value; there is no partial update.
type Slot interface {
	Load(ctx context.Context) (model.Cart, error)
	Save(ctx context.Context, c model.Cart) error
	Clear(ctx context.Context) error
}

// Factory returns the slot stored under key.
type Factory func(key string) Slot

// SessionKey derives the per-session key from a prefix.
func SessionKey(prefix, sessionID string) string {
	if sessionID == "" {
		return prefix
	}
	return prefix + ":" + sessionID
}

func encode(c model.Cart) ([]byte, error) {
	data, err := json.Marshal(c.Clone())
	if err != nil {
		return nil, errors.Wrap(err, "encode cart snapshot")
	}
	return data, nil
}

func decode(data []byte) (model.Cart, error) {
	if len(data) == 0 {
		return model.Cart{}, nil
	}
	var c model.Cart
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "decode cart snapshot")
	}
	if c == nil {
		c = model.Cart{}
	}
	return c, nil
}
