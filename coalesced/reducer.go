// Package coalesced implements batched reduce-scatter and
// hierarchical quantized reductions of gradient buffers.
package coalesced

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/collcomm"
	"github.com/unixpickle/gradsync/quant"
	"github.com/unixpickle/gradsync/tensor"
)

var (
	// ErrConfig is returned when the topology, the config
	// or a buffer shape admits no valid reduction.
	ErrConfig = errors.New("invalid reduction configuration")

	// ErrAssertion is returned when an internal invariant
	// does not hold, which points to inconsistent inputs
	// across ranks.
	ErrAssertion = errors.New("reduction invariant violated")
)

// A Reducer runs coalesced reductions for one rank.
//
// Every rank must call the same methods with buffers of
// the same shapes in the same order.
type Reducer struct {
	transport collcomm.Transport
	engine    quant.Engine
	alloc     tensor.Allocator
	cfg       Config
	cache     *GroupSizeCache
}

// An Option customizes a Reducer.
type Option func(r *Reducer)

// WithAllocator sets the allocator for intermediate and
// output buffers. The default allocates on the heap.
func WithAllocator(alloc tensor.Allocator) Option {
	return func(r *Reducer) {
		r.alloc = alloc
	}
}

// WithCache shares a group size cache between Reducers.
func WithCache(cache *GroupSizeCache) Option {
	return func(r *Reducer) {
		r.cache = cache
	}
}

// NewReducer creates a Reducer on top of a transport.
//
// If e is nil, the quant.CPU engine is used.
func NewReducer(t collcomm.Transport, e quant.Engine, cfg Config, opts ...Option) (*Reducer, error) {
	if err := cfg.Validate(t.WorldSize()); err != nil {
		return nil, err
	}
	if e == nil {
		e = quant.CPU{}
	}
	r := &Reducer{
		transport: t,
		engine:    e,
		alloc:     tensor.HeapAllocator{},
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = NewGroupSizeCache()
	}
	return r, nil
}

// Config returns the configuration of r.
func (r *Reducer) Config() Config {
	return r.cfg
}

// catch runs f, turning tensor misuse panics into errors.
func catch(f func() error) error {
	var err error
	if exc := exceptions.TryCatch[error](func() { err = f() }); exc != nil {
		return exc
	}
	return err
}

// outputs collects one result per input buffer.
type outputs struct {
	slots  []*tensor.Tensor
	filled []bool
}

func newOutputs(n int) *outputs {
	return &outputs{slots: make([]*tensor.Tensor, n), filled: make([]bool, n)}
}

func (o *outputs) set(i int, t *tensor.Tensor) {
	o.slots[i] = t
	o.filled[i] = true
}

func (o *outputs) result() ([]*tensor.Tensor, error) {
	for i, ok := range o.filled {
		if !ok {
			return nil, errors.Wrapf(ErrAssertion, "no output for buffer %d", i)
		}
	}
	return o.slots, nil
}
