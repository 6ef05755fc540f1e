package simulator

import (
	"math"
	"sync"
)

// A SwitcherNetwork passes data through a Switcher.
// Transfers that share links are sent concurrently, so
// each one slows down the others.
type SwitcherNetwork struct {
	lock sync.Mutex

	switcher Switcher
	numNodes int
	latency  float64

	plan []*planSegment
}

// NewSwitcherNetwork creates a SwitcherNetwork for nodes
// whose IDs are in [0, numNodes).
//
// The latency argument adds a constant delay to every
// message. The latency period counts as time on the link,
// so it can slow down other transfers.
func NewSwitcherNetwork(switcher Switcher, numNodes int, latency float64) *SwitcherNetwork {
	return &SwitcherNetwork{
		switcher: switcher,
		numNodes: numNodes,
		latency:  latency,
	}
}

// Send sends the messages over the network.
//
// This re-plans the delivery of every message that is
// still in flight.
func (s *SwitcherNetwork) Send(h *Handle, msgs ...*Message) {
	s.lock.Lock()
	defer s.lock.Unlock()

	state := s.stopPlan(h)
	for _, msg := range msgs {
		state = append(state, &transfer{
			msg:              msg,
			remainingLatency: s.latency,
			remainingSize:    msg.Size,
		})
	}
	s.createPlan(h, state)
}

// stopPlan cancels the pending deliveries and returns the
// in-flight transfers as of the current time.
func (s *SwitcherNetwork) stopPlan(h *Handle) []*transfer {
	now := h.Time()
	var current []*transfer
	for _, seg := range s.plan {
		if now >= seg.end {
			continue
		}
		if now >= seg.start {
			for _, tr := range seg.state {
				current = append(current, tr.advance(now-seg.start))
			}
		}
		for _, timer := range seg.timers {
			h.Cancel(timer)
		}
	}
	return current
}

func (s *SwitcherNetwork) computeRates(state []*transfer) {
	routes := NewConnMat(s.numNodes)
	counts := NewConnMat(s.numNodes)
	for _, tr := range state {
		src, dst := tr.msg.Source.Node.ID, tr.msg.Dest.Node.ID
		routes.Set(src, dst, 1)
		counts.Set(src, dst, counts.Get(src, dst)+1)
	}
	s.switcher.SwitchedRates(routes)
	for _, tr := range state {
		src, dst := tr.msg.Source.Node.ID, tr.msg.Dest.Node.ID
		tr.rate = routes.Get(src, dst) / counts.Get(src, dst)
	}
}

func (s *SwitcherNetwork) createPlan(h *Handle, state []*transfer) {
	s.plan = make([]*planSegment, 0, len(state))
	start := h.Time()
	for len(state) > 0 {
		s.computeRates(state)
		done, rest, eta := earliestTransfers(state)

		timers := make([]*Timer, len(done))
		for i, tr := range done {
			timers[i] = h.Schedule(tr.msg.Dest.Incoming, tr.msg, start-h.Time()+eta)
		}

		end := timers[0].Time()
		s.plan = append(s.plan, &planSegment{
			start:  start,
			end:    end,
			timers: timers,
			state:  state,
		})
		for i, tr := range rest {
			rest[i] = tr.advance(end - start)
		}
		state = rest
		start = end
	}
}

// transfer is a message on its way through the network.
type transfer struct {
	msg *Message

	remainingLatency float64
	remainingSize    float64
	rate             float64
}

// eta is the time until the transfer completes at the
// current rate.
func (t *transfer) eta() float64 {
	return math.Max(0, t.remainingLatency+t.remainingSize/t.rate)
}

// advance returns the state of the transfer after dt
// units of time at the current rate.
func (t *transfer) advance(dt float64) *transfer {
	res := *t
	if dt < res.remainingLatency {
		res.remainingLatency -= dt
		return &res
	}
	dt -= res.remainingLatency
	res.remainingLatency = 0
	res.remainingSize -= res.rate * dt
	return &res
}

// planSegment is a period during which transfer rates do
// not change. Each segment ends with at least one
// delivery.
type planSegment struct {
	start  float64
	end    float64
	timers []*Timer
	state  []*transfer
}

func earliestTransfers(state []*transfer) (done, rest []*transfer, eta float64) {
	etas := make([]float64, len(state))
	eta = math.Inf(1)
	for i, tr := range state {
		etas[i] = tr.eta()
		eta = math.Min(eta, etas[i])
	}
	for i, tr := range state {
		if etas[i] == eta {
			done = append(done, tr)
		} else {
			rest = append(rest, tr)
		}
	}
	return done, rest, eta
}
