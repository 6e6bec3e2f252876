// Package workload drives a client with a generated mix of reads, writes and
// directory-wide writes and reports how it performed.
package workload

import (
	"fmt"
	"time"

	"golang.org/x/exp/rand"
)

type InstructionType string

const (
	InstructionGet    InstructionType = "get"
	InstructionSet    InstructionType = "set"
	InstructionPutAll InstructionType = "putall"
)

// Instruction is one operation of a workload. For putall, Key is the
// directory.
type Instruction struct {
	Type  InstructionType `json:"type"`
	Key   string          `json:"key"`
	Value string          `json:"value,omitempty"`
	Delay time.Duration   `json:"delay,omitempty"`
}

type Config struct {
	Directories      int     `json:"directories"`
	KeysPerDirectory int     `json:"keys_per_directory"`
	Operations       int     `json:"operations"`
	ReadRatio        float64 `json:"read_ratio"`
	PutAllRatio      float64 `json:"putall_ratio"`
	ZipfS            float64 `json:"zipf_s"`
	Seed             uint64  `json:"seed"`

	// Rate caps operations per second. Zero runs unpaced.
	Rate  float64 `json:"rate"`
	Burst int     `json:"burst"`

	Delay time.Duration `json:"-"`
}

func (c Config) withDefaults() Config {
	if c.Directories <= 0 {
		c.Directories = 4
	}
	if c.KeysPerDirectory <= 0 {
		c.KeysPerDirectory = 8
	}
	if c.Operations <= 0 {
		c.Operations = 1000
	}
	if c.ReadRatio == 0 && c.PutAllRatio == 0 {
		c.ReadRatio = 0.8
		c.PutAllRatio = 0.05
	}
	if c.ZipfS <= 1 {
		c.ZipfS = 1.01
	}
	if c.Seed == 0 {
		c.Seed = uint64(time.Now().UnixNano())
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Generator draws keys with zipfian popularity, so a few keys and their
// directories see most of the traffic.
type Generator struct {
	cfg  Config
	keys []string
	rng  *rand.Rand
	zipf *rand.Zipf
}

func NewGenerator(cfg Config) *Generator {
	cfg = cfg.withDefaults()
	g := &Generator{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
	for d := 0; d < cfg.Directories; d++ {
		for k := 0; k < cfg.KeysPerDirectory; k++ {
			g.keys = append(g.keys, fmt.Sprintf("%s%d", Directory(d), k))
		}
	}
	g.zipf = rand.NewZipf(g.rng, cfg.ZipfS, 1, uint64(len(g.keys)-1))
	return g
}

// Directory names the d-th directory of a generated key space.
func Directory(d int) string {
	return fmt.Sprintf("/dir%d/", d)
}

// Keys returns every key the generator can produce.
func (g *Generator) Keys() []string {
	return append([]string(nil), g.keys...)
}

func (g *Generator) Config() Config {
	return g.cfg
}

func (g *Generator) Generate() []Instruction {
	instructions := make([]Instruction, 0, g.cfg.Operations)
	for i := 0; i < g.cfg.Operations; i++ {
		idx := int(g.zipf.Uint64())
		key := g.keys[idx]

		var instr Instruction
		switch p := g.rng.Float64(); {
		case p < g.cfg.ReadRatio:
			instr = Instruction{Type: InstructionGet, Key: key}
		case p < g.cfg.ReadRatio+g.cfg.PutAllRatio:
			dir := Directory(idx / g.cfg.KeysPerDirectory)
			instr = Instruction{Type: InstructionPutAll, Key: dir, Value: fmt.Sprintf("v%d", i)}
		default:
			instr = Instruction{Type: InstructionSet, Key: key, Value: fmt.Sprintf("v%d", i)}
		}
		instr.Delay = g.cfg.Delay
		instructions = append(instructions, instr)
	}
	return instructions
}
