package simulator

// A ConnMat is a connectivity matrix.
//
// Entries indicate a transfer rate from a source node
// (row) to a destination node (column).
type ConnMat struct {
	numNodes int
	rates    []float64
}

// NewConnMat creates an all-zero connection matrix.
func NewConnMat(numNodes int) *ConnMat {
	return &ConnMat{
		numNodes: numNodes,
		rates:    make([]float64, numNodes*numNodes),
	}
}

// NumNodes returns the number of nodes.
func (c *ConnMat) NumNodes() int {
	return c.numNodes
}

// Get an entry in the matrix.
func (c *ConnMat) Get(src, dst int) float64 {
	return c.rates[c.index(src, dst)]
}

// Set an entry in the matrix.
func (c *ConnMat) Set(src, dst int, value float64) {
	c.rates[c.index(src, dst)] = value
}

// Scale multiplies every entry selected by keep.
func (c *ConnMat) Scale(scale float64, keep func(src, dst int) bool) {
	for src := 0; src < c.numNodes; src++ {
		for dst := 0; dst < c.numNodes; dst++ {
			if keep(src, dst) {
				c.rates[src*c.numNodes+dst] *= scale
			}
		}
	}
}

// Sum adds up every entry selected by keep.
func (c *ConnMat) Sum(keep func(src, dst int) bool) float64 {
	var sum float64
	for src := 0; src < c.numNodes; src++ {
		for dst := 0; dst < c.numNodes; dst++ {
			if keep(src, dst) {
				sum += c.rates[src*c.numNodes+dst]
			}
		}
	}
	return sum
}

func (c *ConnMat) index(src, dst int) int {
	if src < 0 || dst < 0 || src >= c.numNodes || dst >= c.numNodes {
		panic("index out of bounds")
	}
	return src*c.numNodes + dst
}
