package provision

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// CryptoIdentity is derived deterministically from a secret.
type CryptoIdentity struct {
	UserID           string `json:"user_id"`
	ICPPrincipal     string `json:"icp_principal,omitempty"`
	EVMPublicAddress string `json:"evm_public_address,omitempty"`
}

// GiftCard is a spawn-org gift card.
type GiftCard struct {
	ID   string `json:"id"`
	Note string `json:"note,omitempty"`
}

// RedeemGiftCardInput spends a gift card on a new organization.
type RedeemGiftCardInput struct {
	GiftCardID       string `json:"giftcard_id"`
	OwnerUserID      string `json:"owner_user_id"`
	OrganizationName string `json:"organization_name"`
	OwnerName        string `json:"owner_name"`
}

// SpawnedOrg is the organization a redeemed gift card created. It still has to be
// activated with RedeemOrganization.
type SpawnedOrg struct {
	DriveID    string `json:"drive_id"`
	Host       string `json:"host"`
	RedeemCode string `json:"redeem_code"`
}

// ActivatedOrg holds the owner credentials of an activated organization.
type ActivatedOrg struct {
	APIKey       string `json:"api_key"`
	AutoLoginURL string `json:"auto_login_url"`
}

// GenerateCryptoIdentity derives a user identity from secret. The secret controls the
// identity and is never logged.
func (c *Client) GenerateCryptoIdentity(ctx context.Context, secret string) (*CryptoIdentity, error) {
	if secret == "" {
		return nil, fmt.Errorf("%s - secret is required", logPrefix)
	}
	var out CryptoIdentity
	body := map[string]string{"secret_entropy": secret}
	if err := c.post(ctx, c.baseURL, "/v1/factory/helpers/generate-crypto-identity", c.factoryKey, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSpawnOrgGiftCard creates a gift card that can spawn one organization.
func (c *Client) CreateSpawnOrgGiftCard(ctx context.Context, note string) (*GiftCard, error) {
	var out GiftCard
	body := map[string]string{"note": note}
	if err := c.post(ctx, c.baseURL, "/v1/factory/giftcards/spawnorg/create", c.factoryKey, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RedeemSpawnOrgGiftCard spends a gift card on a new organization.
func (c *Client) RedeemSpawnOrgGiftCard(ctx context.Context, in RedeemGiftCardInput) (*SpawnedOrg, error) {
	if in.GiftCardID == "" || in.OwnerUserID == "" {
		return nil, fmt.Errorf("%s - giftcard_id and owner_user_id are required", logPrefix)
	}
	var out SpawnedOrg
	if err := c.post(ctx, c.baseURL, "/v1/factory/giftcards/spawnorg/redeem", c.factoryKey, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RedeemOrganization activates a spawned organization on its own host.
func (c *Client) RedeemOrganization(ctx context.Context, org SpawnedOrg) (*ActivatedOrg, error) {
	if org.Host == "" || org.DriveID == "" || org.RedeemCode == "" {
		return nil, fmt.Errorf("%s - host, drive_id and redeem_code are required", logPrefix)
	}
	var out ActivatedOrg
	path := "/v1/drive/" + url.PathEscape(org.DriveID) + "/organization/redeem"
	body := map[string]string{"redeem_code": org.RedeemCode}
	if err := c.post(ctx, strings.TrimRight(org.Host, "/"), path, "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
