package storage

import "github.com/hotdex/node/config"

// RetentionPolicy decides which checkpoint/block heights are eligible for
// pruning. Closed enum per §4.3/§9: KeepAll, KeepRecent(n), KeepAfterHeight(h).
type RetentionPolicy struct {
	Kind  config.RetentionPolicyKind
	Param int64 // n for KeepRecent, h for KeepAfterHeight; unused for KeepAll
}

// NewRetentionPolicy builds a RetentionPolicy from config.
func NewRetentionPolicy(cfg config.StorageConfig) RetentionPolicy {
	return RetentionPolicy{Kind: cfg.RetentionPolicy, Param: cfg.RetentionParam}
}

// Floor returns the lowest height that must NOT be pruned given the current
// chain height. Pruning never removes a block on the current committed
// chain above the retention floor (§4.3).
func (p RetentionPolicy) Floor(currentHeight int64) int64 {
	switch p.Kind {
	case config.RetentionKeepAll:
		return 0
	case config.RetentionKeepRecent:
		floor := currentHeight - p.Param + 1
		if floor < 0 {
			floor = 0
		}
		return floor
	case config.RetentionKeepAfterHeight:
		return p.Param
	default:
		return 0
	}
}

// EffectiveFloor combines the retention policy's floor with the latest
// checkpoint height: pruning must never drop below whichever is lower,
// since a checkpoint below the policy floor is still the only base state
// replay can resume from (§4.7 Open Question resolution, see DESIGN.md).
func EffectiveFloor(policy RetentionPolicy, currentHeight, latestCheckpointHeight int64) int64 {
	floor := policy.Floor(currentHeight)
	if latestCheckpointHeight < floor {
		return latestCheckpointHeight
	}
	return floor
}
