package coalesced

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/unixpickle/gradsync/quant"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("GRADSYNC_LOCAL_WORLD_SIZE", "4")
	t.Setenv("GRADSYNC_QUANT_BITS", "'8'")
	t.Setenv("GRADSYNC_QUANT_SCHEME", "asymmetric")
	t.Setenv("GRADSYNC_MAX_ELEMS_PER_GROUP", "1024")
	cfg := ConfigFromEnv(DefaultConfig(1))
	assert.Equal(t, Config{
		LocalWorldSize:        4,
		MaxElemsPerIntraGroup: 1024,
		MaxElemsPerInterGroup: DefaultMaxElemsPerInterGroup,
		Bits:                  8,
		Scheme:                quant.Asymmetric,
	}, cfg)
}

func TestConfigFromEnvInvalid(t *testing.T) {
	t.Setenv("GRADSYNC_LOCAL_WORLD_SIZE", "-2")
	t.Setenv("GRADSYNC_QUANT_BITS", "3")
	t.Setenv("GRADSYNC_QUANT_SCHEME", "log")
	t.Setenv("GRADSYNC_MAX_ELEMS_PER_GROUP", "lots")
	assert.Equal(t, DefaultConfig(2), ConfigFromEnv(DefaultConfig(2)))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig(4).Validate(8))
	bad := []Config{
		DefaultConfig(3),
		DefaultConfig(0),
		func() Config { c := DefaultConfig(2); c.Bits = 16; return c }(),
		func() Config { c := DefaultConfig(2); c.Scheme = quant.Scheme(5); return c }(),
		func() Config { c := DefaultConfig(2); c.MaxElemsPerIntraGroup = 0; return c }(),
	}
	for _, cfg := range bad {
		err := cfg.Validate(8)
		assert.True(t, errors.Is(err, ErrConfig), "%+v: got %v", cfg, err)
	}
}
