package workload

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Summary aggregates a run.
type Summary struct {
	Operations        int                `json:"operations"`
	Failed            int                `json:"failed"`
	ByType            map[string]int     `json:"by_type"`
	MeanLatencyByType map[string]float64 `json:"mean_latency_by_type"`
	MeanLatency       float64            `json:"mean_latency"`
	P99Latency        float64            `json:"p99_latency"`
	Throughput        float64            `json:"throughput"` // operations per second
}

func Summarize(metrics []Metric) Summary {
	s := Summary{
		Operations:        len(metrics),
		ByType:            make(map[string]int),
		MeanLatencyByType: make(map[string]float64),
	}
	if len(metrics) == 0 {
		return s
	}

	latencies := make([]float64, 0, len(metrics))
	var total float64
	for _, m := range metrics {
		s.ByType[m.OperationType]++
		s.MeanLatencyByType[m.OperationType] += m.Latency
		if m.Failed {
			s.Failed++
		}
		total += m.Latency
		latencies = append(latencies, m.Latency)
	}
	slices.Sort(latencies)
	for typ, n := range s.ByType {
		s.MeanLatencyByType[typ] /= float64(n)
	}

	s.MeanLatency = total / float64(len(metrics))
	s.P99Latency = latencies[(len(latencies)*99+99)/100-1]
	if elapsed := metrics[len(metrics)-1].Timestamp; elapsed > 0 {
		s.Throughput = float64(len(metrics)) / elapsed
	}
	return s
}

// WriteSummary prints s as an aligned table, one row per operation type.
func WriteSummary(out io.Writer, s Summary) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	p := func(format string, a ...any) {
		fmt.Fprintf(w, format+"\n", a...)
	}

	p("Operations\t%d", s.Operations)
	p("Failed\t%d", s.Failed)
	p("Mean Latency\t%.3f ms", s.MeanLatency*1000)
	p("P99 Latency\t%.3f ms", s.P99Latency*1000)
	p("Throughput\t%.1f ops/s", s.Throughput)
	p("")

	caser := cases.Title(language.English)
	for _, typ := range slices.Sorted(maps.Keys(s.ByType)) {
		name := caser.String(strings.ReplaceAll(typ, "_", " "))
		p("%s\t%d ops\t%.3f ms mean", name, s.ByType[typ], s.MeanLatencyByType[typ]*1000)
	}
	return w.Flush()
}

func SaveJSON(v any, filename string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

// SaveCSV writes per-operation latency and running throughput.
func SaveCSV(metrics []Metric, latencyFile, throughputFile string) error {
	latency := [][]string{{"OperationIndex", "OperationType", "Latency"}}
	throughput := [][]string{{"Timestamp", "Throughput"}}
	for _, m := range metrics {
		latency = append(latency, []string{
			strconv.Itoa(m.OperationIndex),
			m.OperationType,
			strconv.FormatFloat(m.Latency, 'f', 6, 64),
		})
		if m.Timestamp > 0 {
			throughput = append(throughput, []string{
				strconv.FormatFloat(m.Timestamp, 'f', 6, 64),
				strconv.FormatFloat(float64(m.OperationIndex)/m.Timestamp, 'f', 6, 64),
			})
		}
	}

	if err := writeCSV(latencyFile, latency); err != nil {
		return err
	}
	return writeCSV(throughputFile, throughput)
}

func writeCSV(filename string, rows [][]string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	return f.Close()
}

// SavePlots draws latency.png and throughput.png into dir.
// The latency plot draws one line per operation type.
func SavePlots(metrics []Metric, dir string) error {
	latency := make(map[string]plotter.XYs)
	throughput := make(plotter.XYs, 0, len(metrics))
	for _, m := range metrics {
		latency[m.OperationType] = append(latency[m.OperationType], plotter.XY{X: float64(m.OperationIndex), Y: m.Latency * 1000})
		if m.Timestamp > 0 {
			throughput = append(throughput, plotter.XY{X: m.Timestamp, Y: float64(m.OperationIndex) / m.Timestamp})
		}
	}

	if err := savePlot("Latency per Operation", "Operation", "Latency (ms)", latency, filepath.Join(dir, "latency.png")); err != nil {
		return err
	}
	series := map[string]plotter.XYs{"": throughput}
	return savePlot("Throughput over Time", "Time (s)", "Operations/s", series, filepath.Join(dir, "throughput.png"))
}

// savePlot draws one line per series. Named series get a legend entry.
func savePlot(title, xLabel, yLabel string, series map[string]plotter.XYs, filename string) error {
	caser := cases.Title(language.English)

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel
	p.Add(plotter.NewGrid())

	for i, name := range slices.Sorted(maps.Keys(series)) {
		points := series[name]
		if len(points) == 0 {
			continue
		}
		line, err := plotter.NewLine(points)
		if err != nil {
			return err
		}
		line.Color = plotutil.Color(i)
		p.Add(line)
		if name != "" {
			p.Legend.Add(caser.String(name), line)
		}
	}
	return p.Save(8*vg.Inch, 4*vg.Inch, filename)
}
