package subscription

// Feature names gate individual AI operations.
const (
	FeatureQuizMCQ       = "quiz-mcq"
	FeatureQuizTrueFalse = "quiz-truefalse"
	FeatureQuizCode      = "quiz-code"
	FeatureFlashcards    = "flashcards"
	FeatureSummary       = "summary"
	FeatureCourseOutline = "course-outline"
	FeatureExport        = "export"
	FeaturePriority      = "priority-models"
)

// PlanConfig defines entitlements for a subscription plan.
type PlanConfig struct {
	Plan          Plan
	MonthlyCredit int64
	Features      []string
	CreditCosts   map[string]int64 // operation → credits
	RateLimits    RateLimits
}

// baseCosts is the default per-operation pricing; plans share it.
var baseCosts = map[string]int64{
	FeatureQuizMCQ:       1,
	FeatureQuizTrueFalse: 1,
	FeatureQuizCode:      2,
	FeatureFlashcards:    1,
	FeatureSummary:       1,
	FeatureCourseOutline: 3,
}

// Catalogue is the hardcoded plan configuration table.
var Catalogue = map[Plan]PlanConfig{
	PlanFree: {
		Plan:          PlanFree,
		MonthlyCredit: 10,
		Features:      []string{FeatureQuizMCQ, FeatureQuizTrueFalse, FeatureFlashcards},
		CreditCosts:   baseCosts,
		RateLimits:    RateLimits{PerMinute: 5, PerHour: 30, PerDay: 100, Burst: 3},
	},
	PlanBasic: {
		Plan:          PlanBasic,
		MonthlyCredit: 100,
		Features: []string{
			FeatureQuizMCQ, FeatureQuizTrueFalse, FeatureFlashcards,
			FeatureSummary, FeatureExport,
		},
		CreditCosts: baseCosts,
		RateLimits:  RateLimits{PerMinute: 15, PerHour: 200, PerDay: 1000, Burst: 5},
	},
	PlanPremium: {
		Plan:          PlanPremium,
		MonthlyCredit: 500,
		Features: []string{
			FeatureQuizMCQ, FeatureQuizTrueFalse, FeatureQuizCode,
			FeatureFlashcards, FeatureSummary, FeatureCourseOutline,
			FeatureExport, FeaturePriority,
		},
		CreditCosts: baseCosts,
		RateLimits:  RateLimits{PerMinute: 60, PerHour: 1000, PerDay: 10000, Burst: 20},
	},
	PlanEnterprise: {
		Plan:          PlanEnterprise,
		MonthlyCredit: 5000,
		Features: []string{
			FeatureQuizMCQ, FeatureQuizTrueFalse, FeatureQuizCode,
			FeatureFlashcards, FeatureSummary, FeatureCourseOutline,
			FeatureExport, FeaturePriority,
		},
		CreditCosts: baseCosts,
		RateLimits:  RateLimits{PerMinute: 300, PerHour: 10000, PerDay: 100000, Burst: 50},
	},
}

// ConfigFor returns the plan configuration, falling back to the free plan
// for anything unrecognised.
func ConfigFor(p Plan) PlanConfig {
	cfg, ok := Catalogue[p]
	if !ok {
		return Catalogue[PlanFree]
	}
	return cfg
}

// CreditCost returns the credit price of an operation under a plan, or
// false if the operation is not priced at all.
func CreditCost(p Plan, operation string) (int64, bool) {
	cfg := ConfigFor(p)
	cost, ok := cfg.CreditCosts[operation]
	return cost, ok
}
