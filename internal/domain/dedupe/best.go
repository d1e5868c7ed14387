package dedupe

// KeepBest reduces items to one per key. For each key the first item is
// kept until a later item is strictly better according to better(candidate,
// current). Result order follows the first appearance of each key.
func KeepBest[T any, K comparable](items []T, key func(T) K, better func(candidate, current T) bool) []T {
	index := make(map[K]int, len(items))
	out := make([]T, 0, len(items))
	for _, it := range items {
		k := key(it)
		if i, ok := index[k]; ok {
			if better(it, out[i]) {
				out[i] = it
			}
			continue
		}
		index[k] = len(out)
		out = append(out, it)
	}
	return out
}
