package models

const (
	ChallengeCodeLength = 4
	ChallengeDecoyCount = 4
	ChallengeSetSize    = ChallengeDecoyCount + 1
)

// Challenge is the desktop-facing selection: the target hidden among decoys.
type Challenge struct {
	Target  string
	Decoys  []string
	Options []string // target + decoys in a uniformly random order
}
