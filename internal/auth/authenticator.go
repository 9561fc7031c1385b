// Package auth validates box credentials against the box store.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/benmeehan/boxrelay/internal/constants"
	"github.com/benmeehan/boxrelay/internal/models"
	"github.com/benmeehan/boxrelay/internal/store"
	"github.com/benmeehan/boxrelay/pkg/apikey"
	"github.com/benmeehan/boxrelay/pkg/identity"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// dummyHash keeps the compare path the same length when a prefix is unknown.
var dummyHash = apikey.Hash("bx_00000000_" + strings.Repeat("0", 64))

// Authenticator checks API keys and hardware ids. It holds no connection state.
type Authenticator struct {
	boxes           store.BoxStore
	minAgentVersion *semver.Version
	logger          zerolog.Logger
}

// NewAuthenticator creates an Authenticator. minAgentVersion may be empty to
// accept any agent version.
func NewAuthenticator(boxes store.BoxStore, minAgentVersion string, logger zerolog.Logger) (*Authenticator, error) {
	a := &Authenticator{
		boxes:  boxes,
		logger: logger.With().Str("component", "authenticator").Logger(),
	}
	if minAgentVersion != "" {
		v, err := semver.NewVersion(minAgentVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid min agent version %q: %w", minAgentVersion, err)
		}
		a.minAgentVersion = v
	}
	return a, nil
}

// GenerateAPIKey returns a new secret with its prefix and hash. Nothing is stored.
func (a *Authenticator) GenerateAPIKey() (apikey.Generated, error) {
	return apikey.Generate()
}

// HashAPIKey is the deterministic one-way hash persisted for a key.
func (a *Authenticator) HashAPIKey(secret string) string {
	return apikey.Hash(secret)
}

// IsValidHardwareID reports whether id has the hardware id format.
func (a *Authenticator) IsValidHardwareID(id string) bool {
	return identity.IsValidHardwareID(id)
}

// GenerateHardwareID returns a fresh hardware id.
func (a *Authenticator) GenerateHardwareID() (string, error) {
	return identity.GenerateHardwareID()
}

// AuthenticateBox validates apiKey and hardwareID. On failure the error is a
// *models.Failure tagged invalid_key, revoked, inactive_box, hardware_mismatch or
// internal_error.
func (a *Authenticator) AuthenticateBox(ctx context.Context, apiKey, hardwareID string) (*models.AuthResult, error) {
	prefix, err := apikey.Prefix(apiKey)
	if err != nil {
		apikey.Verify(apiKey, dummyHash)
		return nil, models.ErrInvalidKey
	}

	key, err := a.boxes.FindAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		apikey.Verify(apiKey, dummyHash)
		if store.IsNotFound(err) {
			return nil, models.ErrInvalidKey
		}
		return nil, a.internal("lookup api key", err)
	}
	if !apikey.Verify(apiKey, key.Hash) {
		return nil, models.ErrInvalidKey
	}
	if !key.Active || key.RevokedAt != nil {
		return nil, models.ErrRevoked
	}

	box, err := a.boxes.GetBox(ctx, key.BoxID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, models.ErrInactiveBox
		}
		return nil, a.internal("lookup box", err)
	}
	if !box.Active {
		return nil, models.ErrInactiveBox
	}

	hw := identity.NormalizeHardwareID(hardwareID)
	if !identity.IsValidHardwareID(hw) {
		return nil, models.ErrHardwareMismatch
	}
	if box.HardwareID == "" {
		bound, err := a.boxes.BindHardwareID(ctx, box.ID, hw)
		if err != nil {
			return nil, a.internal("bind hardware id", err)
		}
		if bound {
			a.logger.Info().Str("box_id", box.ID).Str("hardware_id", hw).Msg("Bound hardware id on first authentication")
			box.HardwareID = hw
		} else {
			// Lost a race with another first auth; compare against the winner.
			box, err = a.boxes.GetBox(ctx, key.BoxID)
			if err != nil {
				return nil, a.internal("reload box", err)
			}
		}
	}
	if box.HardwareID != hw {
		return nil, models.ErrHardwareMismatch
	}

	return &models.AuthResult{Box: *box, KeyID: key.ID}, nil
}

// CheckAgentVersion enforces relay.min_agent_version when configured.
func (a *Authenticator) CheckAgentVersion(version string) error {
	if a.minAgentVersion == nil {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil || v.LessThan(a.minAgentVersion) {
		return models.NewFailure(constants.ReasonUnsupportedVersion,
			fmt.Sprintf("agent version %q is below %s", version, a.minAgentVersion))
	}
	return nil
}

// RevokeAPIKey marks the key inactive. Connections already authenticated with it
// stay open; only future auth attempts are refused.
func (a *Authenticator) RevokeAPIKey(ctx context.Context, keyID string) error {
	if err := a.boxes.RevokeAPIKey(ctx, keyID); err != nil {
		return fmt.Errorf("failed to revoke api key %s: %w", keyID, err)
	}
	a.logger.Info().Str("key_id", keyID).Msg("API key revoked")
	return nil
}

// IssueAPIKey creates and stores a new key for boxID. The returned secret is the
// only copy.
func (a *Authenticator) IssueAPIKey(ctx context.Context, boxID string) (*models.IssuedKey, error) {
	if _, err := a.boxes.GetBox(ctx, boxID); err != nil {
		return nil, fmt.Errorf("failed to issue api key: %w", err)
	}
	gen, err := apikey.Generate()
	if err != nil {
		return nil, err
	}
	key := models.BoxAPIKey{
		ID:     uuid.NewString(),
		BoxID:  boxID,
		Prefix: gen.Prefix,
		Hash:   gen.Hash,
		Active: true,
	}
	if err := a.boxes.CreateAPIKey(ctx, &key); err != nil {
		return nil, fmt.Errorf("failed to store api key: %w", err)
	}
	a.logger.Info().Str("box_id", boxID).Str("key_id", key.ID).Str("prefix", key.Prefix).Msg("API key issued")
	return &models.IssuedKey{Key: key, Secret: gen.Secret}, nil
}

// CreateBox provisions a new active box for customerID. hardwareID may be empty
// to bind on first authentication.
func (a *Authenticator) CreateBox(ctx context.Context, customerID, name, hardwareID string) (*models.Box, error) {
	if customerID == "" {
		return nil, fmt.Errorf("customer id is required")
	}
	if hardwareID != "" {
		hardwareID = identity.NormalizeHardwareID(hardwareID)
		if !identity.IsValidHardwareID(hardwareID) {
			return nil, fmt.Errorf("invalid hardware id %q", hardwareID)
		}
	}
	box := models.Box{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Name:       name,
		HardwareID: hardwareID,
		Active:     true,
	}
	if err := a.boxes.CreateBox(ctx, &box); err != nil {
		return nil, fmt.Errorf("failed to create box: %w", err)
	}
	return &box, nil
}

func (a *Authenticator) internal(op string, err error) error {
	a.logger.Error().Err(err).Str("op", op).Msg("Box store failure during authentication")
	return models.NewFailure(constants.ReasonInternalError, op)
}
