package pipeline

// TierThresholds is one tier's upper bound, read from
// config.tiers.<name>.{max_files,max_lines,agents}.
type TierThresholds struct {
	MaxFiles int
	MaxLines int
	Agents   []string
}

// TierConfig is the full tiers.* configuration. Large is implicitly
// unbounded (+Inf) regardless of the values set on it; only its Agents
// list is read.
type TierConfig struct {
	Small  TierThresholds
	Medium TierThresholds
	Large  TierThresholds
}

// ChangeStats is the minimal change-statistics shape tier
// classification needs (files changed, lines changed).
type ChangeStats struct {
	FilesChanged int
	LinesChanged int
}

// ClassifyTier computes a Tier from stats against cfg's monotone
// threshold chain small < medium < large (large bounded by +Inf).
// File/line counts exactly equal to a tier's max classify as that tier;
// one more than the max classifies as the next tier up.
func ClassifyTier(stats ChangeStats, cfg TierConfig) Tier {
	if stats.FilesChanged <= cfg.Small.MaxFiles && stats.LinesChanged <= cfg.Small.MaxLines {
		return TierSmall
	}
	if stats.FilesChanged <= cfg.Medium.MaxFiles && stats.LinesChanged <= cfg.Medium.MaxLines {
		return TierMedium
	}
	return TierLarge
}

// AgentsForTier returns the configured agent roster for tier.
func AgentsForTier(tier Tier, cfg TierConfig) []string {
	switch tier {
	case TierSmall:
		return cfg.Small.Agents
	case TierMedium:
		return cfg.Medium.Agents
	default:
		return cfg.Large.Agents
	}
}
