package provision

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/officexapp/iframe-host/pkg/host"
)

const defaultGiftCardNote = "Giftcard for new organization"

// SpawnParams names a new organization and the secret its owner identity derives from.
type SpawnParams struct {
	OrgName     string
	OwnerName   string
	OwnerSecret string
	Note        string
}

// SpawnResult is an activated organization with the config that binds the child to it as
// the owner.
type SpawnResult struct {
	Injected     host.InjectedConfig
	AutoLoginURL string
}

// SpawnOrganization runs the whole factory flow: derive the owner identity, create and
// redeem a spawn-org gift card, then activate the organization on its host.
func (c *Client) SpawnOrganization(ctx context.Context, p SpawnParams) (*SpawnResult, error) {
	if p.OrgName == "" || p.OwnerName == "" {
		return nil, fmt.Errorf("%s - organization and owner names are required", logPrefix)
	}
	note := p.Note
	if note == "" {
		note = defaultGiftCardNote
	}

	owner, err := c.GenerateCryptoIdentity(ctx, p.OwnerSecret)
	if err != nil {
		return nil, fmt.Errorf("%s - create owner identity: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Owner identity %s", logPrefix, owner.UserID))

	card, err := c.CreateSpawnOrgGiftCard(ctx, note)
	if err != nil {
		return nil, fmt.Errorf("%s - create gift card: %w", logPrefix, err)
	}

	org, err := c.RedeemSpawnOrgGiftCard(ctx, RedeemGiftCardInput{
		GiftCardID:       card.ID,
		OwnerUserID:      owner.UserID,
		OrganizationName: p.OrgName,
		OwnerName:        p.OwnerName,
	})
	if err != nil {
		return nil, fmt.Errorf("%s - redeem gift card: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Spawned organization %s on %s", logPrefix, org.DriveID, org.Host))

	activated, err := c.RedeemOrganization(ctx, *org)
	if err != nil {
		return nil, fmt.Errorf("%s - activate organization: %w", logPrefix, err)
	}

	return &SpawnResult{
		Injected: host.InjectedConfig{
			Host:        org.Host,
			DriveID:     org.DriveID,
			UserID:      owner.UserID,
			OrgName:     p.OrgName,
			ProfileName: p.OwnerName,
			APIKeyValue: activated.APIKey,
		},
		AutoLoginURL: activated.AutoLoginURL,
	}, nil
}
