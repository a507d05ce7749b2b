package assignment

// Bucket maps a subject and experiment to a point in [0, 100) with two
// decimal places. It is a pure function of its inputs.
func Bucket(subjectID, experimentID string) float64 {
	var h int32
	for _, c := range subjectID + ":" + experimentID {
		h = h*31 + int32(c)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return float64(v%10000) / 100
}

// allocationKey salts the experiment id so that the eligibility bucket is
// independent of the variant bucket.
func allocationKey(experimentID string) string {
	return experimentID + ":allocation"
}

// IsEligible reports whether a subject falls inside the experiment's
// traffic allocation percentage.
func IsEligible(subjectID, experimentID string, allocation float64) bool {
	if allocation >= 100 {
		return true
	}
	if allocation <= 0 {
		return false
	}
	return Bucket(subjectID, allocationKey(experimentID)) < allocation
}
