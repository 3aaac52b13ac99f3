package download

// Stripe assigns chunk indices [0,total) to peers by position: peer p
// receives {p, p+peers, p+2*peers, ...}. Every index goes to exactly one
// peer. With one peer the assignment is the full range in order.
func Stripe(total, peers int) [][]int {
	if peers <= 0 {
		return nil
	}
	out := make([][]int, peers)
	for i := 0; i < total; i++ {
		out[i%peers] = append(out[i%peers], i)
	}
	return out
}
