package domain

// Feature keys for the metered editor features.
const (
	FeatureAIChat        = "ai-chat"
	FeatureTabCompletion = "tab-completion"
)

const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// DefaultCatalog mirrors the hosted billing configuration: a free tier
// with a small monthly credit allocation and a pro tier with 10x credits.
func DefaultCatalog() []Plan {
	return []Plan{
		{
			ID:          PlanFree,
			Name:        "Free",
			Description: "Free tier with a monthly credit allocation",
			MonthlyUSD:  0,
			Features: map[string]FeatureGrant{
				FeatureAIChat:        {Allocation: 1000, DisplayName: "AI Chat"},
				FeatureTabCompletion: {Allocation: 1000, DisplayName: "Tab Completion"},
			},
		},
		{
			ID:          PlanPro,
			Name:        "Pro",
			Description: "Pro tier with 10x the credit allocation",
			MonthlyUSD:  1000,
			YearlyUSD:   10000,
			Features: map[string]FeatureGrant{
				FeatureAIChat:        {Allocation: 10000, DisplayName: "AI Chat"},
				FeatureTabCompletion: {Allocation: 10000, DisplayName: "Tab Completion"},
			},
		},
	}
}
