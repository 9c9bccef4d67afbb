package server

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	apperrors "github.com/karashiiro/mogmog/internal/errors"
	"github.com/karashiiro/mogmog/internal/relay/moderation"
	"github.com/karashiiro/mogmog/internal/relay/telemetry"
)

type adminTarget struct {
	AccountID   uint64 `json:"account_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	WorldID     int    `json:"world_id,omitempty"`
}

type adminPayload struct {
	// Token is either a state key issued at connect time or a raw
	// authorization code for the identity provider.
	Token     string      `json:"token"`
	Target    adminTarget `json:"target"`
	ExpiresAt string      `json:"expires_at,omitempty"`
}

// handleAdminFrame authorizes and applies one moderation action. The caller
// must resolve to an operator account; otherwise the action never runs.
func (c *core) handleAdminFrame(ctx context.Context, session *chatSession, frame wsFrame) {
	var payload adminPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeDomainError(session.peer, frame.RequestID,
			apperrors.New(apperrors.CodeInvalidFrame, "invalid admin payload"))
		return
	}

	actor, err := c.resolveOperator(ctx, payload.Token)
	if err != nil {
		_ = writeDomainError(session.peer, frame.RequestID, err)
		return
	}
	if err := c.store.Authorize(actor); err != nil {
		log.Printf("relay: session %s admin %s denied for account %d: %v", session.id, frame.Type, actor, err)
		_ = writeDomainError(session.peer, frame.RequestID, err)
		return
	}

	target, err := c.resolveTarget(ctx, payload.Target)
	if err != nil {
		_ = writeDomainError(session.peer, frame.RequestID, err)
		return
	}

	switch frame.Type {
	case "chat.ban":
		c.store.BanAccount(ctx, actor, target.AccountID)
	case "chat.unban":
		c.store.UnbanAccount(ctx, actor, target.AccountID)
	case "chat.kick":
		c.store.KickAccount(ctx, actor, target.AccountID)
	case "chat.mute":
		c.store.MuteAccount(ctx, actor, target.AccountID)
	case "chat.unmute":
		c.store.UnmuteAccount(ctx, actor, target.AccountID)
	case "chat.tempban":
		until, parseErr := time.Parse(time.RFC3339, strings.TrimSpace(payload.ExpiresAt))
		if parseErr != nil {
			_ = writeDomainError(session.peer, frame.RequestID,
				apperrors.New(apperrors.CodeInvalidExpiry, "expires_at must be an RFC 3339 timestamp"))
			return
		}
		if err := c.store.TempBanAccount(ctx, actor, target.AccountID, target.DisplayName, target.WorldID, until); err != nil {
			_ = writeDomainError(session.peer, frame.RequestID, err)
			return
		}
	case "chat.untempban":
		c.store.UnTempBanAccount(ctx, actor, target.AccountID)
	}

	telemetry.Inc(telemetry.ModerationActions)
	log.Printf("relay: session %s admin %s applied by %d to %d", session.id, frame.Type, actor, target.AccountID)
	_ = session.peer.writeFrame(wsFrame{
		Type:      "chat.ack",
		RequestID: frame.RequestID,
		Payload:   mustJSON(ackEnvelope{Result: ackResult{Status: "ok", AccountID: target.AccountID}}),
	})
}

// resolveOperator turns the caller's token into an account id. State keys
// are tried first so established operators skip the provider round-trip.
func (c *core) resolveOperator(ctx context.Context, token string) (uint64, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, apperrors.New(apperrors.CodeNoAuthentication, "operator token is required")
	}
	if c.stateKeys != nil {
		if accountID, err := c.stateKeys.Verify(token); err == nil {
			return accountID, nil
		}
	}
	return c.authenticator.ResolveCode(ctx, token)
}

// resolveTarget pins the moderation target to an account id. Targets named
// by display name and world must be connected; direct account ids need not
// be.
func (c *core) resolveTarget(ctx context.Context, target adminTarget) (adminTarget, error) {
	if target.AccountID != 0 {
		return target, nil
	}

	displayName := strings.TrimSpace(target.DisplayName)
	if displayName == "" {
		return adminTarget{}, apperrors.New(apperrors.CodeInvalidFrame, "admin target requires account_id or display_name with world_id")
	}

	found := c.registry.FindByNameAndWorld(displayName, target.WorldID)
	if found == nil {
		return adminTarget{}, apperrors.WithMetadata(apperrors.CodeTargetNotFound, "no connected session matches the target",
			map[string]string{"display_name": displayName})
	}
	accountID, err := moderation.RequireTarget(ctx, found.Identity())
	if err != nil {
		return adminTarget{}, err
	}
	return adminTarget{
		AccountID:   accountID,
		DisplayName: displayName,
		WorldID:     target.WorldID,
	}, nil
}
