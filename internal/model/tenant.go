package model

import "time"

type TenantTier string

const (
	TenantTierFree       TenantTier = "free"
	TenantTierPro        TenantTier = "pro"
	TenantTierEnterprise TenantTier = "enterprise"
)

type TenantBranding struct {
	BotDisplayName string `json:"botDisplayName,omitempty"`
	AccentColor    string `json:"accentColor,omitempty"`
}

type TenantMetadata struct {
	AdminEmail string          `json:"adminEmail,omitempty"`
	Tier       TenantTier      `json:"tier,omitempty"`
	Branding   *TenantBranding `json:"branding,omitempty"`
}

// TenantConfig is a customer installation. ID is the chat directory tenant id;
// ExternalOrgID is the tracker organization that sends webhooks for it.
type TenantConfig struct {
	ID                     string         `json:"id"`
	Name                   string         `json:"name"`
	ExternalOrgID          string         `json:"external_org_id"`
	TrackerAPIKeyEncrypted string         `json:"-"`
	WebhookSecretEncrypted string         `json:"-"`
	IsActive               bool           `json:"is_active"`
	Metadata               TenantMetadata `json:"metadata"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// BotName returns the branded bot display name, or fallback.
func (t *TenantConfig) BotName(fallback string) string {
	if t.Metadata.Branding != nil && t.Metadata.Branding.BotDisplayName != "" {
		return t.Metadata.Branding.BotDisplayName
	}
	return fallback
}
