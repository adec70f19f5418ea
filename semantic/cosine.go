package semantic

import "math"

// CosineSimilarity returns dot(a,b) / (‖a‖·‖b‖). Vectors of different
// lengths, or with a zero norm, score 0 rather than erroring: a degenerate
// embedding must read as "no match", never as a hit.
func CosineSimilarity(a []float32, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
