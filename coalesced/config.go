package coalesced

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/quant"
	"k8s.io/klog/v2"
)

const (
	// DefaultMaxElemsPerIntraGroup bounds the number of
	// elements sharing one scale in the intra-node stage.
	DefaultMaxElemsPerIntraGroup = 40960

	// DefaultMaxElemsPerInterGroup is the corresponding
	// bound of the inter-node stage. Both stages use groups
	// of the same length, so with the defaults only the
	// intra bound can fail.
	DefaultMaxElemsPerInterGroup = 49152

	DefaultBits = 4
)

// Config controls the hierarchical quantized reduction.
type Config struct {
	// LocalWorldSize is the number of devices per node.
	LocalWorldSize int

	MaxElemsPerIntraGroup int
	MaxElemsPerInterGroup int

	// Bits is the width of a quantized value, 4 or 8.
	Bits   int
	Scheme quant.Scheme
}

// DefaultConfig creates the default configuration for
// nodes with localWorldSize devices each.
func DefaultConfig(localWorldSize int) Config {
	return Config{
		LocalWorldSize:        localWorldSize,
		MaxElemsPerIntraGroup: DefaultMaxElemsPerIntraGroup,
		MaxElemsPerInterGroup: DefaultMaxElemsPerInterGroup,
		Bits:                  DefaultBits,
		Scheme:                quant.Symmetric,
	}
}

// ConfigFromEnv overrides fields of base with environment
// variables:
//
//	GRADSYNC_LOCAL_WORLD_SIZE
//	GRADSYNC_QUANT_BITS
//	GRADSYNC_QUANT_SCHEME
//	GRADSYNC_MAX_ELEMS_PER_GROUP
//
// Invalid values are logged and ignored.
func ConfigFromEnv(base Config) Config {
	cfg := base
	if v := clean("GRADSYNC_LOCAL_WORLD_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err != nil || n <= 0 {
			klog.Warningf("invalid setting must be greater than zero, ignoring: GRADSYNC_LOCAL_WORLD_SIZE=%q", v)
		} else {
			cfg.LocalWorldSize = n
		}
	}
	if v := clean("GRADSYNC_QUANT_BITS"); v != "" {
		if n, err := strconv.Atoi(v); err != nil || quant.CheckBits(n) != nil {
			klog.Warningf("invalid setting, ignoring: GRADSYNC_QUANT_BITS=%q", v)
		} else {
			cfg.Bits = n
		}
	}
	if v := clean("GRADSYNC_QUANT_SCHEME"); v != "" {
		if s, err := quant.ParseScheme(v); err != nil {
			klog.Warningf("invalid setting, ignoring: GRADSYNC_QUANT_SCHEME=%q: %v", v, err)
		} else {
			cfg.Scheme = s
		}
	}
	if v := clean("GRADSYNC_MAX_ELEMS_PER_GROUP"); v != "" {
		if n, err := strconv.Atoi(v); err != nil || n <= 0 {
			klog.Warningf("invalid setting must be greater than zero, ignoring: GRADSYNC_MAX_ELEMS_PER_GROUP=%q", v)
		} else {
			cfg.MaxElemsPerIntraGroup = n
		}
	}
	return cfg
}

func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// Validate checks the configuration against a world of
// worldSize ranks.
func (c Config) Validate(worldSize int) error {
	if c.LocalWorldSize <= 0 || worldSize <= 0 || worldSize%c.LocalWorldSize != 0 {
		return errors.Wrapf(ErrConfig, "world size %d does not split into nodes of %d devices",
			worldSize, c.LocalWorldSize)
	}
	if err := quant.CheckBits(c.Bits); err != nil {
		return errors.Wrapf(ErrConfig, "%v", err)
	}
	if c.Scheme != quant.Symmetric && c.Scheme != quant.Asymmetric {
		return errors.Wrapf(ErrConfig, "unknown scheme %s", c.Scheme)
	}
	if c.MaxElemsPerIntraGroup <= 0 || c.MaxElemsPerInterGroup <= 0 {
		return errors.Wrapf(ErrConfig, "max elements per group must be positive, got %d and %d",
			c.MaxElemsPerIntraGroup, c.MaxElemsPerInterGroup)
	}
	return nil
}
