package quant

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/tensor"
	"gonum.org/v1/gonum/floats"
)

// CPU is a reference Engine that runs on the host.
type CPU struct{}

// SwizzleQuantize quantizes x with a swizzled partition
// order.
func (CPU) SwizzleQuantize(x *tensor.Tensor, groups, bits int, scheme Scheme,
	nodes, devicesPerNode int) (payload, scales *tensor.Tensor, err error) {
	if err := CheckBits(bits); err != nil {
		return nil, nil, err
	}
	if !x.IsFloat() {
		return nil, nil, errors.Errorf("swizzle quantize: dtype %s is not a float type", x.DType())
	}
	numel := x.Numel()
	parts := nodes * devicesPerNode
	if groups <= 0 || parts <= 0 || numel < groups || numel%groups != 0 || groups%parts != 0 {
		return nil, nil, errors.Errorf("swizzle quantize: %d elements cannot form %d groups over %d partitions",
			numel, groups, parts)
	}
	elems := numel / groups
	partLen := numel / parts
	values := x.Float64s()
	swizzled := make([]float64, 0, numel)
	for j := 0; j < devicesPerNode; j++ {
		for n := 0; n < nodes; n++ {
			start := (n*devicesPerNode + j) * partLen
			swizzled = append(swizzled, values[start:start+partLen]...)
		}
	}
	payload, scales = encode(swizzled, elems, bits, scheme)
	return payload, scales, nil
}

// QuantizedReduce averages the shards of a payload in
// the quantized domain.
func (CPU) QuantizedReduce(payload, scales *tensor.Tensor, numel, inGroups, outGroups, bits int,
	scheme Scheme, devicesPerNode int) (outPayload, outScales *tensor.Tensor, err error) {
	if devicesPerNode <= 0 || numel%devicesPerNode != 0 {
		return nil, nil, errors.Errorf("quantized reduce: %d elements do not split into %d shards",
			numel, devicesPerNode)
	}
	outLen := numel / devicesPerNode
	if outGroups <= 0 || outLen < outGroups || outLen%outGroups != 0 {
		return nil, nil, errors.Errorf("quantized reduce: %d elements cannot form %d groups", outLen, outGroups)
	}
	values, err := decode(payload, scales, numel, inGroups, bits, scheme)
	if err != nil {
		return nil, nil, errors.Wrap(err, "quantized reduce")
	}
	sum := make([]float64, outLen)
	for i := 0; i < devicesPerNode; i++ {
		floats.Add(sum, values[i*outLen:(i+1)*outLen])
	}
	floats.Scale(1/float64(devicesPerNode), sum)
	outPayload, outScales = encode(sum, outLen/outGroups, bits, scheme)
	return outPayload, outScales, nil
}

// Dequantize decodes a payload into a Float32 tensor.
func (CPU) Dequantize(payload, scales *tensor.Tensor, numel, groups, bits int,
	scheme Scheme) (*tensor.Tensor, error) {
	values, err := decode(payload, scales, numel, groups, bits, scheme)
	if err != nil {
		return nil, errors.Wrap(err, "dequantize")
	}
	res := tensor.New(dtypes.Float32, numel)
	res.SetFloat64s(values)
	return res, nil
}

func encode(values []float64, elems, bits int, scheme Scheme) (payload, scales *tensor.Tensor) {
	groups := len(values) / elems
	groupBytes := GroupBytes(elems, bits)
	k := scheme.ScalesPerGroup()
	payload = tensor.New(dtypes.Uint8, groups*groupBytes)
	params := make([]float32, groups*k)
	data := payload.Bytes()
	for g := 0; g < groups; g++ {
		q := newQuantizer(values[g*elems:(g+1)*elems], bits, scheme)
		copy(params[g*k:], q.params())
		out := data[g*groupBytes : (g+1)*groupBytes]
		for i, x := range values[g*elems : (g+1)*elems] {
			pack(out, i, bits, q.quantize(x))
		}
	}
	scales = tensor.FromFloat32s(dtypes.Float32, params)
	return payload, scales
}

func decode(payload, scales *tensor.Tensor, numel, groups, bits int, scheme Scheme) ([]float64, error) {
	if err := CheckBits(bits); err != nil {
		return nil, err
	}
	if groups <= 0 || numel < groups || numel%groups != 0 {
		return nil, errors.Errorf("%d elements cannot form %d groups", numel, groups)
	}
	elems := numel / groups
	groupBytes := GroupBytes(elems, bits)
	k := scheme.ScalesPerGroup()
	if payload.DType() != dtypes.Uint8 || payload.Numel() != groups*groupBytes {
		return nil, errors.Errorf("payload %s does not hold %d groups of %d bytes", payload, groups, groupBytes)
	}
	if scales.DType() != dtypes.Float32 || scales.Numel() != groups*k {
		return nil, errors.Errorf("scales %s do not hold %d groups of %d values", scales, groups, k)
	}
	params := scales.Float32s()
	data := payload.Bytes()
	res := make([]float64, numel)
	for g := 0; g < groups; g++ {
		q := quantizerFromParams(params[g*k:(g+1)*k], bits, scheme)
		in := data[g*groupBytes : (g+1)*groupBytes]
		for i := 0; i < elems; i++ {
			res[g*elems+i] = q.dequantize(unpack(in, i, bits))
		}
	}
	return res, nil
}

// quantizer maps the values of one group to unsigned
// levels in [0, 2^bits).
type quantizer struct {
	scheme Scheme
	levels int
	scale  float32
	offset float32
}

func newQuantizer(values []float64, bits int, scheme Scheme) *quantizer {
	q := &quantizer{scheme: scheme, levels: 1 << bits}
	if scheme == Symmetric {
		absMax := floats.Norm(values, math.Inf(1))
		q.scale = float32(absMax / float64(q.levels/2-1))
	} else {
		lo, hi := floats.Min(values), floats.Max(values)
		q.scale = float32((hi - lo) / float64(q.levels-1))
		q.offset = float32(lo)
	}
	return q
}

func quantizerFromParams(params []float32, bits int, scheme Scheme) *quantizer {
	q := &quantizer{scheme: scheme, levels: 1 << bits, scale: params[0]}
	if scheme == Asymmetric {
		q.offset = params[1]
	}
	return q
}

func (q *quantizer) params() []float32 {
	if q.scheme == Asymmetric {
		return []float32{q.scale, q.offset}
	}
	return []float32{q.scale}
}

func (q *quantizer) quantize(x float64) int {
	if q.scale == 0 {
		if q.scheme == Symmetric {
			return q.levels / 2
		}
		return 0
	}
	if q.scheme == Symmetric {
		zero := q.levels / 2
		level := int(math.Round(x/float64(q.scale))) + zero
		return clamp(level, 1, q.levels-1)
	}
	level := int(math.Round((x - float64(q.offset)) / float64(q.scale)))
	return clamp(level, 0, q.levels-1)
}

func (q *quantizer) dequantize(level int) float64 {
	if q.scheme == Symmetric {
		return float64(level-q.levels/2) * float64(q.scale)
	}
	return float64(level)*float64(q.scale) + float64(q.offset)
}

func clamp(x, lo, hi int) int {
	return max(lo, min(hi, x))
}

// pack stores level as element i of a group. In 4-bit
// mode, even elements use the low nibble.
func pack(data []byte, i, bits, level int) {
	if bits == 8 {
		data[i] = byte(level)
		return
	}
	if i%2 == 0 {
		data[i/2] = data[i/2]&0xf0 | byte(level)
	} else {
		data[i/2] = data[i/2]&0x0f | byte(level)<<4
	}
}

func unpack(data []byte, i, bits int) int {
	if bits == 8 {
		return int(data[i])
	}
	if i%2 == 0 {
		return int(data[i/2] & 0x0f)
	}
	return int(data[i/2] >> 4)
}
