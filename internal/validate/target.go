package validate

import "math/big"

var max128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// TargetFromDifficulty converts a difficulty into a 256-bit little-endian
// threshold: (2^128-1)/difficulty placed in the upper 16 bytes. Difficulty 1
// or 0 yields the all-ones target (every hash passes).
func TargetFromDifficulty(difficulty uint64) [32]byte {
	var target [32]byte
	if difficulty <= 1 {
		for i := range target {
			target[i] = 0xff
		}
		return target
	}
	q := new(big.Int).Div(max128, new(big.Int).SetUint64(difficulty))
	buf := q.Bytes() // big-endian
	// Little-endian quotient in the upper 16 bytes of the target.
	for i := 0; i < len(buf); i++ {
		target[16+i] = buf[len(buf)-1-i]
	}
	return target
}

// MeetsTarget reports whether the little-endian hash is at or below the
// little-endian target, comparing from the most significant byte down.
func MeetsTarget(hash, target [32]byte) bool {
	for i := 31; i >= 0; i-- {
		if hash[i] < target[i] {
			return true
		}
		if hash[i] > target[i] {
			return false
		}
	}
	return true
}
