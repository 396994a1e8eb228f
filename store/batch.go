package store

// Batches splits uids into consecutive groups of at most size elements,
// preserving order. A size below 1 returns a single batch. Bulk copy/move
// operations process one batch per transaction to bound transaction size.
func Batches(uids []UID, size int) [][]UID {
	if len(uids) == 0 {
		return nil
	}
	if size < 1 {
		return [][]UID{uids}
	}
	l := make([][]UID, 0, (len(uids)+size-1)/size)
	for len(uids) > size {
		l = append(l, uids[:size])
		uids = uids[size:]
	}
	return append(l, uids)
}
