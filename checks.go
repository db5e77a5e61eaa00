package main

// Lag thresholds shared by both instances.
const (
	lagBytesWarn = 1 << 20  // 1 MiB
	lagBytesCrit = 10 << 20 // 10 MiB

	lagSecondsWarn = 5.0
	lagSecondsCrit = 30.0
)

// Score penalties. Scores start at 100 and are clamped to [0, 100] after all
// penalties apply.
const (
	penaltyNoStandbys     = 50
	penaltyNotInRecovery  = 30
	penaltyLagBytesCrit   = 30
	penaltyLagBytesWarn   = 10
	penaltyLagSecondsCrit = 20
	penaltyLagSecondsWarn = 5
)

// A healthy primary:
// 1. Has at least one standby attached.
// 2. Keeps its farthest standby within 1 MiB of the current WAL position.
// A nil lag sample means the lag query produced no row and contributes no
// penalty.
func primaryHealthScore(connections int64, lag *ReplicationLag) int {
	score := 100
	if connections == 0 {
		score -= penaltyNoStandbys
	}
	if lag != nil {
		score -= lagBytesPenalty(lag.Bytes.Int64)
	}
	return clampScore(score)
}

// A healthy standby:
// 1. Is in recovery, replaying WAL from its upstream.
// 2. Trails by no more than 1 MiB and 5 seconds.
// Byte and second penalties are independent axes and can both apply.
func standbyHealthScore(inRecovery bool, lag *ReplicationLag) int {
	score := 100
	if !inRecovery {
		score -= penaltyNotInRecovery
	}
	if lag != nil {
		score -= lagBytesPenalty(lag.Bytes.Int64)
		score -= lagSecondsPenalty(lag.Seconds.Float64)
	}
	return clampScore(score)
}

// lagBytesPenalty applies at most one tier; crossing the higher threshold
// replaces the lower penalty, it does not stack on it.
func lagBytesPenalty(bytes int64) int {
	switch {
	case bytes > lagBytesCrit:
		return penaltyLagBytesCrit
	case bytes > lagBytesWarn:
		return penaltyLagBytesWarn
	}
	return 0
}

func lagSecondsPenalty(seconds float64) int {
	switch {
	case seconds > lagSecondsCrit:
		return penaltyLagSecondsCrit
	case seconds > lagSecondsWarn:
		return penaltyLagSecondsWarn
	}
	return 0
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
