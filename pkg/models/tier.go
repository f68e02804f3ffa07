package models

const (
	TierPublic  = "public"
	TierKeyed   = "keyed"
	TierPartner = "partner"
)

// TierQuota is the static rate-limit configuration for one access tier.
type TierQuota struct {
	Tier              string
	RequestsPerMinute int
	RequestsPerDay    int
}

// DefaultQuotas returns the stock tier quotas. Deployments override these
// through config; nothing downstream assumes the stock numbers.
func DefaultQuotas() map[string]TierQuota {
	return map[string]TierQuota{
		TierPublic:  {Tier: TierPublic, RequestsPerMinute: 10, RequestsPerDay: 500},
		TierKeyed:   {Tier: TierKeyed, RequestsPerMinute: 60, RequestsPerDay: 5000},
		TierPartner: {Tier: TierPartner, RequestsPerMinute: 600, RequestsPerDay: 50000},
	}
}
