package distribution

import "treasuryd/storage"

// Referred-unit thresholds for each loyalty tier.
const (
	vipUnits        = 210
	highRollerUnits = 2_100
	whaleUnits      = 21_000
)

// TierForUnits maps lifetime referred units onto the loyalty tier ladder.
func TierForUnits(units int64) string {
	switch {
	case units >= whaleUnits:
		return storage.TierWhale
	case units >= highRollerUnits:
		return storage.TierHighRoller
	case units >= vipUnits:
		return storage.TierVIP
	default:
		return storage.TierNone
	}
}

func tierRank(tier string) int {
	switch tier {
	case storage.TierVIP:
		return 1
	case storage.TierHighRoller:
		return 2
	case storage.TierWhale:
		return 3
	default:
		return 0
	}
}
