package workload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

// Store is what a workload runs against.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	PutAll(directory, content string) error
}

type Metric struct {
	OperationIndex int     `json:"operation_index"`
	OperationType  string  `json:"operation_type"`
	Latency        float64 `json:"latency"`   // seconds
	Timestamp      float64 `json:"timestamp"` // seconds since start
	Failed         bool    `json:"failed,omitempty"`
}

var ErrUnknownInstruction = errors.New("workload: unknown instruction type")

type Runner struct {
	store   Store
	limiter *rate.Limiter
	logger  *log.Logger
}

// NewRunner paces operations with a token bucket of perSecond tokens and the
// given burst. A zero perSecond disables pacing.
func NewRunner(store Store, perSecond float64, burst int, logger *log.Logger) *Runner {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	if logger == nil {
		logger = log.Default().WithPrefix("workload")
	}
	return &Runner{store: store, limiter: rate.NewLimiter(limit, burst), logger: logger}
}

// Seed writes an initial value to every key so directory writes have
// something to cover.
func (r *Runner) Seed(keys []string) error {
	for _, k := range keys {
		if err := r.store.Set(k, "0"); err != nil {
			return fmt.Errorf("seed %q: %w", k, err)
		}
	}
	return nil
}

func (r *Runner) exec(instr Instruction) error {
	switch instr.Type {
	case InstructionGet:
		r.store.Get(instr.Key)
		return nil
	case InstructionSet:
		return r.store.Set(instr.Key, instr.Value)
	case InstructionPutAll:
		return r.store.PutAll(instr.Key, instr.Value)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownInstruction, instr.Type)
	}
}

// Run executes instructions in order. A failed operation is recorded and the
// run goes on; a cancelled context stops the run and returns what was
// measured so far.
func (r *Runner) Run(ctx context.Context, instructions []Instruction) ([]Metric, error) {
	start := time.Now()
	metrics := make([]Metric, 0, len(instructions))

	for i, instr := range instructions {
		if err := r.limiter.Wait(ctx); err != nil {
			return metrics, err
		}

		opStart := time.Now()
		err := r.exec(instr)
		latency := time.Since(opStart)
		if err != nil {
			r.logger.Warn("operation failed", "index", i+1, "type", instr.Type, "key", instr.Key, "err", err)
		} else {
			r.logger.Debug("operation", "index", i+1, "type", instr.Type, "key", instr.Key, "took", latency)
		}

		metrics = append(metrics, Metric{
			OperationIndex: i + 1,
			OperationType:  string(instr.Type),
			Latency:        latency.Seconds(),
			Timestamp:      time.Since(start).Seconds(),
			Failed:         err != nil,
		})

		if instr.Delay > 0 {
			select {
			case <-ctx.Done():
				return metrics, ctx.Err()
			case <-time.After(instr.Delay):
			}
		}
	}

	r.logger.Info("workload completed", "operations", len(metrics), "took", time.Since(start))
	return metrics, nil
}
