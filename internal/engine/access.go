package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"decisiondesk/internal/domain"
	"decisiondesk/internal/engine/auth"
	"decisiondesk/internal/events"
	"decisiondesk/internal/repo"
)

// APIKeyPrefix starts every minted key so it is recognizable in config files.
const APIKeyPrefix = "dqk_"

// CreateAPIKey mints a key for the actor's own profile. The plaintext is only
// returned here; the store keeps its hash.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (string, repo.APIKey, error) {
	var plain string
	var out repo.APIKey
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Auth.Role(ctx, tx, actorID); err != nil {
			return err
		}
		plain = APIKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
		out = repo.APIKey{
			ID:        uuid.NewString(),
			ProfileID: actorID,
			Name:      strings.TrimSpace(name),
			KeyHash:   repo.HashAPIKey(plain),
			CreatedAt: e.now(),
		}
		if err := e.Repo.InsertAPIKey(ctx, tx, out); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "api_key.create", "profile", actorID, actorID, events.Payload{"key_id": out.ID})
	})
	if err != nil {
		return "", repo.APIKey{}, err
	}
	return plain, out, nil
}

// RevokeAPIKey deletes one of the actor's own keys.
func (e Engine) RevokeAPIKey(ctx context.Context, actorID, id string) error {
	k, err := e.Repo.GetAPIKey(ctx, id)
	if err != nil {
		return err
	}
	if k.ProfileID != actorID {
		return auth.ForbiddenError{Permission: "api_key.revoke.self"}
	}
	return e.Repo.DeleteAPIKey(ctx, id)
}

// ResolveAPIKey returns the profile id a key acts as.
func (e Engine) ResolveAPIKey(ctx context.Context, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("api key required")
	}
	k, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return "", err
	}
	return k.ProfileID, nil
}

// ListEvents returns the newest audit rows, optionally for one entity.
func (e Engine) ListEvents(ctx context.Context, actorID string, limit int, entityKind, entityID string) ([]domain.Event, error) {
	if _, err := e.Auth.Role(ctx, nil, actorID); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, limit, entityKind, entityID)
}
