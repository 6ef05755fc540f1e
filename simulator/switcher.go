package simulator

// A Switcher is a switching algorithm that determines how
// rapidly data flows in a graph of nodes, including how
// oversubscribed links are shared.
type Switcher interface {
	// SwitchedRates is passed a matrix with 1's wherever
	// a node wants to send data to another node, and 0's
	// everywhere else.
	//
	// When the function returns, mat holds the rate of
	// data between every pair of nodes.
	SwitchedRates(mat *ConnMat)
}

// A TopologySwitcher models a cluster of hosts, each with
// PerHost devices.
//
// Devices on the same host are connected by local links
// with IntraRate of bandwidth per device in each
// direction. All traffic leaving or entering a host shares
// that host's NIC, which has InterRate of bandwidth in
// each direction.
//
// Oversubscribed senders split bandwidth evenly across
// their flows, and oversubscribed receivers drop incoming
// flows uniformly, as a greedy switch would.
type TopologySwitcher struct {
	PerHost   int
	IntraRate float64
	InterRate float64
}

// SwitchedRates performs the switching algorithm.
func (t *TopologySwitcher) SwitchedRates(mat *ConnMat) {
	n := mat.NumNodes()
	if n%t.PerHost != 0 {
		panic("node count is not a multiple of PerHost")
	}
	host := func(i int) int { return i / t.PerHost }
	local := func(src, dst int) bool { return host(src) == host(dst) }

	// Split upload bandwidth: the local link of each
	// device, and the NIC of each host.
	for src := 0; src < n; src++ {
		flows := mat.Sum(func(s, d int) bool { return s == src && local(s, d) })
		if flows > 0 {
			mat.Scale(t.IntraRate/flows, func(s, d int) bool { return s == src && local(s, d) })
		}
	}
	for h := 0; h < n/t.PerHost; h++ {
		out := func(s, d int) bool { return host(s) == h && !local(s, d) }
		if flows := mat.Sum(out); flows > 0 {
			mat.Scale(t.InterRate/flows, out)
		}
	}

	// Drop download traffic that exceeds what a device or
	// a host NIC can absorb.
	for dst := 0; dst < n; dst++ {
		in := func(s, d int) bool { return d == dst && local(s, d) }
		if rate := mat.Sum(in); rate > t.IntraRate {
			mat.Scale(t.IntraRate/rate, in)
		}
	}
	for h := 0; h < n/t.PerHost; h++ {
		in := func(s, d int) bool { return host(d) == h && !local(s, d) }
		if rate := mat.Sum(in); rate > t.InterRate {
			mat.Scale(t.InterRate/rate, in)
		}
	}
}
