package cache

import "strconv"

// HashKey folds s into a short base-36 token with a 32-bit shift-and-subtract
// accumulator (h = h*31 + c). It is fast and not collision free; Service
// stores the unhashed input beside each value and treats a mismatch as a miss.
func HashKey(s string) string {
	var h int32
	for _, c := range s {
		h = (h << 5) - h + int32(c)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return strconv.FormatInt(v, 36)
}
