package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/ringdd/internal/ring"
)

func TestDefaults(t *testing.T) {
	tests := []struct {
		name               string
		ring, buffers      int
		wantRing, wantBufs int
	}{
		{"neither", 0, 0, 256, 128},
		{"both", 64, 8, 64, 8},
		{"ring only", 64, 0, 64, 32},
		{"ring of one", 1, 0, 1, 1},
		{"buffers only", 0, 10, 20, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, b := Defaults(tt.ring, tt.buffers)
			assert.Equal(t, tt.wantRing, r)
			assert.Equal(t, tt.wantBufs, b)
		})
	}
}

func validConfig() Config {
	return Config{
		Input:      Endpoint{Name: "in", Size: 10000},
		Output:     Endpoint{Name: "out", Size: 0},
		BlockSize:  512,
		Count:      -1,
		RingSize:   8,
		NumBuffers: 4,
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		field  string
		mutate func(*Config)
	}{
		{"bs", func(c *Config) { c.BlockSize = 0 }},
		{"bs", func(c *Config) { c.BlockSize = MaxBlockSize + 1 }},
		{"count", func(c *Config) { c.Count = -2 }},
		{"is", func(c *Config) { c.InputSeek = -1 }},
		{"os", func(c *Config) { c.OutputSeek = -1 }},
		{"ring_size", func(c *Config) { c.RingSize = 0 }},
		{"num_buffers", func(c *Config) { c.NumBuffers = 0 }},
		{"num_buffers", func(c *Config) { c.NumBuffers = MaxBuffers + 1 }},
		{"is", func(c *Config) { c.InputSeek = 20 }},
		{"is", func(c *Config) {
			c.Input.Size = -1
			c.InputSeek = math.MaxInt64/512 + 1
		}},
		{"os", func(c *Config) { c.OutputSeek = math.MaxInt64 }},
		{"os", func(c *Config) { c.OutputSeek = math.MaxInt64/512 - 5 }},
		{"count", func(c *Config) {
			c.Input.Size = -1
			c.Count = math.MaxInt64
		}},
		{"count", func(c *Config) {
			c.Input.Size = -1
			c.Count = 10
			c.InputSeek = math.MaxInt64/512 - 5
		}},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrConfig)
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestValidateSeekToEnd(t *testing.T) {
	cfg := validConfig()
	cfg.Input.Size = 1024
	cfg.InputSeek = 2 // exactly at the end: nothing to copy, but valid
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(0), cfg.plan())
}

func TestValidateHugeCountOnSizedInput(t *testing.T) {
	cfg := validConfig()
	cfg.Count = 1 << 62
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(20), cfg.plan())
	assert.Equal(t, int64(10000), cfg.plannedBytes())
}

func TestValidateUnknownSizeAllowsAnySeek(t *testing.T) {
	cfg := validConfig()
	cfg.Input.Size = -1
	cfg.InputSeek = 1 << 20
	require.NoError(t, cfg.Validate())
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name       string
		size       int64
		bs         int
		count, is  int64
		wantBlocks int64
		wantBytes  int64
	}{
		{"exact multiple", 4096, 1024, -1, 0, 4, 4096},
		{"trailing partial", 4000, 1024, -1, 0, 4, 4000},
		{"count caps", 10240, 1024, 3, 0, 3, 3072},
		{"count beyond input", 1536, 512, 10, 0, 3, 1536},
		{"count near overflow", 1536, 512, math.MaxInt64, 0, 3, 1536},
		{"input seek", 10240, 1024, -1, 4, 6, 6144},
		{"empty", 0, 512, -1, 0, 0, 0},
		{"count zero", 4096, 512, 0, 0, 0, 0},
		{"unknown size", -1, 512, 7, 0, 7, 3584},
		{"unknown size unbounded", -1, 512, -1, 0, -1, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Input: Endpoint{Size: tt.size}, BlockSize: tt.bs, Count: tt.count, InputSeek: tt.is}
			assert.Equal(t, tt.wantBlocks, cfg.plan())
			assert.Equal(t, tt.wantBytes, cfg.plannedBytes())
		})
	}
}

func TestReadLen(t *testing.T) {
	cfg := Config{Input: Endpoint{Size: 2500}, BlockSize: 1024}
	assert.Equal(t, 1024, cfg.readLen(0))
	assert.Equal(t, 1024, cfg.readLen(1))
	assert.Equal(t, 452, cfg.readLen(2))

	cfg.InputSeek = 1
	assert.Equal(t, 452, cfg.readLen(1))

	cfg.Input.Size = -1
	assert.Equal(t, 1024, cfg.readLen(100))
}

func TestToken(t *testing.T) {
	tests := []struct {
		op   ring.Op
		buf  int
		done int
	}{
		{ring.OpRead, 0, 0},
		{ring.OpWrite, 0, 0},
		{ring.OpRead, MaxBuffers - 1, MaxBlockSize},
		{ring.OpWrite, 127, 4095},
	}
	seen := map[ring.Token]bool{}
	for _, tt := range tests {
		tok := packToken(tt.op, tt.buf, tt.done)
		assert.False(t, seen[tok], "tokens must be distinct")
		seen[tok] = true

		op, buf, done := unpackToken(tok)
		assert.Equal(t, tt.op, op)
		assert.Equal(t, tt.buf, buf)
		assert.Equal(t, tt.done, done)
	}
}

func TestErrors(t *testing.T) {
	ce := &ConfigError{Field: "bs", Reason: "must be greater than 0"}
	assert.Equal(t, "invalid bs: must be greater than 0", ce.Error())

	ioe := &IOError{Op: ring.OpRead, Block: 7, Offset: 3584, Err: assert.AnError}
	assert.Equal(t, "read block 7 at offset 3584: "+assert.AnError.Error(), ioe.Error())
	require.ErrorIs(t, ioe, assert.AnError)
}
