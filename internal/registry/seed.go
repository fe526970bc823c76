package registry

// CoreAgents returns the pre-seeded coaching specialists. These are
// platform-operated, always-on infrastructure: they are exempt from
// staleness eviction and act as the fallback result set when no dynamic
// agent matches a capability, even with persistence down.
func CoreAgents() []*AgentProfile {
	return []*AgentProfile{
		{
			ID:              "core-form-coach",
			Name:            "Form Coach",
			Endpoint:        "https://agents.imperfectcoach.xyz/form-coach",
			Capabilities:    []string{"form_analysis", "rep_counting"},
			Signer:          "0x7a3bc1e3c79f5e8bbd1d1e8de4a5d6b2c9f0a4d1",
			Chain:           ChainEVM,
			Type:            TypeCore,
			Status:          StatusActive,
			ReputationScore: 92,
			Pricing: map[string]string{
				"form_analysis": "0.02",
				"rep_counting":  "0.01",
			},
			TieredPricing: map[string]map[Tier]TierPrice{
				"form_analysis": {
					TierBasic:   {BaseFee: "0.02", Asset: "USDC", Chain: "base-sepolia"},
					TierPro:     {BaseFee: "0.05", Asset: "USDC", Chain: "base-sepolia"},
					TierPremium: {BaseFee: "0.10", Asset: "USDC", Chain: "base-sepolia"},
				},
			},
			ServiceAvailability: map[Tier]TierAvailability{
				TierBasic:   {Slots: 20, ResponseSLA: 5000, Uptime: 99.5},
				TierPro:     {Slots: 10, ResponseSLA: 2000, Uptime: 99.9},
				TierPremium: {Slots: 4, ResponseSLA: 800, Uptime: 99.95},
			},
			VerifiedAt:   1700000000000,
			RegisteredAt: 1700000000000,
		},
		{
			ID:              "core-nutrition-planner",
			Name:            "Nutrition Planner",
			Endpoint:        "https://agents.imperfectcoach.xyz/nutrition",
			Capabilities:    []string{"nutrition_planning"},
			Signer:          "0x94e5f0c2a1b8d7e6f3a2c5b4d9e8f7a6b5c4d3e2",
			Chain:           ChainEVM,
			Type:            TypeCore,
			Status:          StatusActive,
			ReputationScore: 88,
			Pricing: map[string]string{
				"nutrition_planning": "0.015",
			},
			TieredPricing: map[string]map[Tier]TierPrice{
				"nutrition_planning": {
					TierBasic: {BaseFee: "0.015", Asset: "USDC", Chain: "base-sepolia"},
					TierPro:   {BaseFee: "0.04", Asset: "USDC", Chain: "base-sepolia"},
				},
			},
			ServiceAvailability: map[Tier]TierAvailability{
				TierBasic: {Slots: 25, ResponseSLA: 8000, Uptime: 99.0},
				TierPro:   {Slots: 8, ResponseSLA: 3000, Uptime: 99.5},
			},
			VerifiedAt:   1700000000000,
			RegisteredAt: 1700000000000,
		},
		{
			ID:              "core-workout-programmer",
			Name:            "Workout Programmer",
			Endpoint:        "https://agents.imperfectcoach.xyz/programming",
			Capabilities:    []string{"workout_programming", "progress_tracking"},
			Signer:          "8FybPqhLUWDJAfHfY7j2Vv5XQs9rTm4kNcE6pGdZwBuA",
			Chain:           ChainSolana,
			Type:            TypeCore,
			Status:          StatusActive,
			ReputationScore: 85,
			Pricing: map[string]string{
				"workout_programming": "0.025",
				"progress_tracking":   "0.005",
			},
			ServiceAvailability: map[Tier]TierAvailability{
				TierBasic: {Slots: 15, ResponseSLA: 10000, Uptime: 98.5},
			},
			VerifiedAt:   1700000000000,
			RegisteredAt: 1700000000000,
		},
	}
}
