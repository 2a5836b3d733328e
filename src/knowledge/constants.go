package knowledge

const (
	// ElderSize is the target number of elders per section.
	ElderSize = 7

	// RecommendedSectionSize is the number of mature members a section should
	// have before it is allowed to split.
	RecommendedSectionSize = 2 * ElderSize

	// MinAdultAge is the age at which a joined node counts as mature and
	// becomes eligible for elder promotion.
	MinAdultAge = 5
)

// Supermajority returns the BFT agreement threshold for n participants:
// floor(2n/3) + 1.
func Supermajority(n int) int {
	return n*2/3 + 1
}
