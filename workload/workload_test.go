package workload

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	data    map[string]string
	calls   map[InstructionType]int
	failDir string
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string), calls: make(map[InstructionType]int)}
}

func (s *memStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[InstructionGet]++
	v, ok := s.data[key]
	return v, ok
}

func (s *memStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[InstructionSet]++
	s.data[key] = value
	return nil
}

func (s *memStore) PutAll(directory, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[InstructionPutAll]++
	if directory == s.failDir {
		return errors.New("rejected")
	}
	for k := range s.data {
		if strings.HasPrefix(k, directory) {
			s.data[k] = content
		}
	}
	return nil
}

func quiet() *log.Logger {
	return log.New(io.Discard)
}

func TestGeneratorIsDeterministicPerSeed(t *testing.T) {
	cfg := Config{Operations: 200, Seed: 42}
	a := NewGenerator(cfg).Generate()
	b := NewGenerator(cfg).Generate()
	assert.Equal(t, a, b)

	c := NewGenerator(Config{Operations: 200, Seed: 43}).Generate()
	assert.NotEqual(t, a, c)
}

func TestGeneratorKeySpace(t *testing.T) {
	g := NewGenerator(Config{Directories: 2, KeysPerDirectory: 3, Operations: 500, Seed: 1, ReadRatio: 0.5, PutAllRatio: 0.2})
	assert.Equal(t, []string{"/dir0/0", "/dir0/1", "/dir0/2", "/dir1/0", "/dir1/1", "/dir1/2"}, g.Keys())

	counts := make(map[InstructionType]int)
	for _, instr := range g.Generate() {
		counts[instr.Type]++
		switch instr.Type {
		case InstructionPutAll:
			assert.Contains(t, []string{"/dir0/", "/dir1/"}, instr.Key)
			assert.NotEmpty(t, instr.Value)
		default:
			assert.Contains(t, g.Keys(), instr.Key)
		}
	}
	assert.Len(t, counts, 3, "all instruction types appear")
	assert.Greater(t, counts[InstructionGet], counts[InstructionPutAll])
}

func TestGeneratorSkewsTowardsFirstKeys(t *testing.T) {
	g := NewGenerator(Config{Directories: 10, KeysPerDirectory: 10, Operations: 2000, ZipfS: 1.5, Seed: 7, ReadRatio: 1})
	hits := make(map[string]int)
	for _, instr := range g.Generate() {
		hits[instr.Key]++
	}
	assert.Greater(t, hits["/dir0/0"], hits["/dir9/9"])
}

func TestRunnerExecutesAndRecordsFailures(t *testing.T) {
	store := newMemStore()
	r := NewRunner(store, 0, 1, quiet())
	require.NoError(t, r.Seed([]string{"/dir0/0", "/dir0/1", "/dir1/0"}))

	store.failDir = "/dir1/"
	instrs := []Instruction{
		{Type: InstructionGet, Key: "/dir0/0"},
		{Type: InstructionSet, Key: "/dir0/0", Value: "a"},
		{Type: InstructionPutAll, Key: "/dir0/", Value: "b"},
		{Type: InstructionPutAll, Key: "/dir1/", Value: "c"},
		{Type: "bogus", Key: "/x"},
	}
	metrics, err := r.Run(context.Background(), instrs)
	require.NoError(t, err)
	require.Len(t, metrics, len(instrs))

	assert.False(t, metrics[2].Failed)
	assert.True(t, metrics[3].Failed)
	assert.True(t, metrics[4].Failed)
	for i, m := range metrics {
		assert.Equal(t, i+1, m.OperationIndex)
	}
	assert.Equal(t, "b", store.data["/dir0/1"])
	assert.Equal(t, "0", store.data["/dir1/0"])
}

func TestRunnerPacesOperations(t *testing.T) {
	r := NewRunner(newMemStore(), 50, 1, quiet())
	instrs := make([]Instruction, 6)
	for i := range instrs {
		instrs[i] = Instruction{Type: InstructionGet, Key: "/k"}
	}

	start := time.Now()
	_, err := r.Run(context.Background(), instrs)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestRunnerStopsOnCancel(t *testing.T) {
	r := NewRunner(newMemStore(), 1, 1, quiet())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	instrs := []Instruction{{Type: InstructionGet, Key: "/a"}, {Type: InstructionGet, Key: "/b"}, {Type: InstructionGet, Key: "/c"}}
	metrics, err := r.Run(ctx, instrs)
	assert.Error(t, err)
	assert.Len(t, metrics, 1)
}

func sampleMetrics() []Metric {
	return []Metric{
		{OperationIndex: 1, OperationType: "get", Latency: 0.001, Timestamp: 0.001},
		{OperationIndex: 2, OperationType: "set", Latency: 0.004, Timestamp: 0.005},
		{OperationIndex: 3, OperationType: "putall", Latency: 0.010, Timestamp: 0.015, Failed: true},
		{OperationIndex: 4, OperationType: "get", Latency: 0.001, Timestamp: 0.016},
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(sampleMetrics())
	assert.Equal(t, 4, s.Operations)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, map[string]int{"get": 2, "set": 1, "putall": 1}, s.ByType)
	assert.InDelta(t, 0.001, s.MeanLatencyByType["get"], 1e-9)
	assert.InDelta(t, 0.010, s.MeanLatencyByType["putall"], 1e-9)
	assert.InDelta(t, 0.004, s.MeanLatency, 1e-9)
	assert.InDelta(t, 0.010, s.P99Latency, 1e-9)
	assert.InDelta(t, 250, s.Throughput, 1e-6)

	assert.Equal(t, 0, Summarize(nil).Operations)
}

func TestReports(t *testing.T) {
	dir := t.TempDir()
	metrics := sampleMetrics()

	require.NoError(t, SaveJSON(metrics, filepath.Join(dir, "metrics.json")))
	require.NoError(t, SaveCSV(metrics, filepath.Join(dir, "latency.csv"), filepath.Join(dir, "throughput.csv")))
	require.NoError(t, SavePlots(metrics, dir))

	f, err := os.Open(filepath.Join(dir, "latency.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, len(metrics)+1)
	assert.Equal(t, []string{"OperationIndex", "OperationType", "Latency"}, rows[0])
	assert.Equal(t, []string{"3", "putall", "0.010000"}, rows[3])

	for _, name := range []string{"metrics.json", "throughput.csv", "latency.png", "throughput.png"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.NotZero(t, info.Size(), name)
	}
}

func TestWriteSummaryTitlesOperationTypes(t *testing.T) {
	metrics := append(sampleMetrics(), Metric{OperationIndex: 5, OperationType: "put_all", Latency: 0.002, Timestamp: 0.02})

	var out strings.Builder
	require.NoError(t, WriteSummary(&out, Summarize(metrics)))

	text := out.String()
	assert.Contains(t, text, "Operations")
	assert.Regexp(t, `(?m)^Get\s+2 ops\s+1\.000 ms mean$`, text)
	assert.Regexp(t, `(?m)^Putall\s+1 ops`, text)
	assert.Regexp(t, `(?m)^Put All\s+1 ops`, text)
	assert.Less(t, strings.Index(text, "Get"), strings.Index(text, "Set"), "rows are sorted by type")
}
