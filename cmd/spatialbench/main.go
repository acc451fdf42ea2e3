// Package main benchmarks the spatial analysis engine against a generated
// clustered dataset and reports per-case latency summaries.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/spatialpath/server/internal/engine"
	"github.com/spatialpath/server/internal/synth"
	"gonum.org/v1/gonum/floats"
)

type benchCase struct {
	Name string
	Run  func() error
}

type caseResult struct {
	Name      string  `json:"name"`
	Iters     int     `json:"iterations"`
	MeanMS    float64 `json:"mean_ms"`
	MedianMS  float64 `json:"median_ms"`
	StdevMS   float64 `json:"stdev_ms"`
	MinMS     float64 `json:"min_ms"`
	MaxMS     float64 `json:"max_ms"`
	P95MS     float64 `json:"p95_ms"`
	P99MS     float64 `json:"p99_ms"`
	OpsPerSec float64 `json:"ops_per_sec"`
}

type report struct {
	GeneratedAt string       `json:"generated_at"`
	Points      int          `json:"points"`
	Clusters    int          `json:"clusters"`
	Seed        uint64       `json:"seed"`
	Warmup      int          `json:"warmup"`
	Iters       int          `json:"iterations"`
	Results     []caseResult `json:"results"`
}

func main() {
	var (
		points   = flag.Int("points", 50000, "Dataset size")
		clusters = flag.Int("clusters", 30, "Number of spatial clusters")
		seed     = flag.Uint64("seed", 42, "Generator seed")
		warmup   = flag.Int("warmup", 2, "Warmup iterations per case")
		iters    = flag.Int("iters", 10, "Measured iterations per case")
		caseList = flag.String("cases", "", "Comma-separated case filter (default all)")
		jsonPath = flag.String("json", "", "Write a JSON report to this file")
	)
	flag.Parse()

	if *points < 10 || *iters < 1 {
		log.Fatalf("need -points >= 10 and -iters >= 1")
	}

	log.Printf("generating %d points (%d clusters, seed %d)", *points, *clusters, *seed)
	gen := synth.New(synth.Config{NumClusters: *clusters, Seed: *seed})
	anns := gen.Generate(*points)

	pts := make([]engine.Point, len(anns))
	labels := make([]string, len(anns))
	for i, a := range anns {
		pts[i] = engine.Point{X: a.X, Y: a.Y}
		labels[i] = a.Label
	}

	buildStart := time.Now()
	eng, err := engine.New(pts, labels, engine.Options{})
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}
	log.Printf("engine built in %s (bounds %.0fx%.0f)", time.Since(buildStart).Round(time.Millisecond),
		eng.Bounds().Width(), eng.Bounds().Height())

	// Query points cycle through the dataset so repeated iterations do not
	// hit one hot path in the index.
	queries := make([]engine.Point, 0, 256)
	for i := 0; i < 256; i++ {
		queries = append(queries, pts[(i*len(pts))/256])
	}
	rotor := func() func() engine.Point {
		i := 0
		return func() engine.Point {
			q := queries[i%len(queries)]
			i++
			return q
		}
	}

	area := eng.Bounds().Area()
	radii := floats.Span(make([]float64, 20), 10, 500)
	kdeSeed := int64(*seed)

	qNearest := rotor()
	qRadius := rotor()
	qProbe := rotor()

	cases := []benchCase{
		{"index_build", func() error {
			_, err := engine.New(pts, labels, engine.Options{})
			return err
		}},
		{"nearest_k_10", func() error {
			_, err := eng.NearestK(qNearest(), 10)
			return err
		}},
		{"radius_250", func() error {
			_, err := eng.WithinRadius(qRadius(), 250)
			return err
		}},
		{"probe_100", func() error {
			_, err := eng.PointDensityAt(qProbe(), 100)
			return err
		}},
		{"nn_distribution", func() error {
			_, err := eng.NearestNeighborDistribution()
			return err
		}},
		{"ripleys_k_20", func() error {
			_, err := eng.RipleysK(radii, area)
			return err
		}},
		{"colocalization_100", func() error {
			_, err := eng.LabelColocalization(100)
			return err
		}},
		{"density_grid_500", func() error {
			_, err := eng.DensityGrid(500)
			return err
		}},
		{"density_grid_125", func() error {
			_, err := eng.DensityGrid(125)
			return err
		}},
		{"smoothed_density_500", func() error {
			_, err := eng.SmoothedDensity(500, 2)
			return err
		}},
		{"kde_64", func() error {
			_, err := eng.KernelDensity(64, kdeSeed)
			return err
		}},
	}

	selected, err := filterCases(cases, *caseList)
	if err != nil {
		log.Fatalf("%v", err)
	}

	fmt.Printf("%-22s %6s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"case", "iters", "mean_ms", "median_ms", "stdev_ms", "min_ms", "max_ms", "p95_ms", "p99_ms", "ops/s")

	results := make([]caseResult, 0, len(selected))
	for _, c := range selected {
		durs, err := runCase(c, *warmup, *iters)
		if err != nil {
			log.Fatalf("case %s failed: %v", c.Name, err)
		}
		res := summarize(c.Name, durs)
		results = append(results, res)
		fmt.Printf("%-22s %6d %10.3f %10.3f %10.3f %10.3f %10.3f %10.3f %10.3f %10.1f\n",
			res.Name, res.Iters, res.MeanMS, res.MedianMS, res.StdevMS,
			res.MinMS, res.MaxMS, res.P95MS, res.P99MS, res.OpsPerSec)
	}

	if *jsonPath != "" {
		rep := report{
			GeneratedAt: time.Now().Format(time.RFC3339),
			Points:      *points,
			Clusters:    *clusters,
			Seed:        *seed,
			Warmup:      *warmup,
			Iters:       *iters,
			Results:     results,
		}
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			log.Fatalf("failed to encode report: %v", err)
		}
		if err := os.WriteFile(*jsonPath, data, 0644); err != nil {
			log.Fatalf("failed to write report: %v", err)
		}
		log.Printf("report written to %s", *jsonPath)
	}
}

func filterCases(cases []benchCase, filter string) ([]benchCase, error) {
	if filter == "" {
		return cases, nil
	}
	byName := make(map[string]benchCase, len(cases))
	names := make([]string, 0, len(cases))
	for _, c := range cases {
		byName[c.Name] = c
		names = append(names, c.Name)
	}
	var selected []benchCase
	for _, name := range strings.Split(filter, ",") {
		name = strings.TrimSpace(name)
		c, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown case %q; available: %s", name, strings.Join(names, ", "))
		}
		selected = append(selected, c)
	}
	return selected, nil
}

func runCase(c benchCase, warmup, iters int) ([]time.Duration, error) {
	for i := 0; i < warmup; i++ {
		if err := c.Run(); err != nil {
			return nil, err
		}
	}
	durs := make([]time.Duration, 0, iters)
	for i := 0; i < iters; i++ {
		start := time.Now()
		if err := c.Run(); err != nil {
			return nil, err
		}
		durs = append(durs, time.Since(start))
	}
	return durs, nil
}

func summarize(name string, durs []time.Duration) caseResult {
	ms := make(stats.Float64Data, len(durs))
	for i, d := range durs {
		ms[i] = float64(d.Nanoseconds()) / 1e6
	}
	mean, _ := stats.Mean(ms)
	median, _ := stats.Median(ms)
	stdev, _ := stats.StandardDeviation(ms)
	lo, _ := stats.Min(ms)
	hi, _ := stats.Max(ms)
	p95, _ := stats.Percentile(ms, 95)
	p99, _ := stats.Percentile(ms, 99)

	var ops float64
	if mean > 0 {
		ops = 1000.0 / mean
	}
	return caseResult{
		Name:      name,
		Iters:     len(durs),
		MeanMS:    mean,
		MedianMS:  median,
		StdevMS:   stdev,
		MinMS:     lo,
		MaxMS:     hi,
		P95MS:     p95,
		P99MS:     p99,
		OpsPerSec: ops,
	}
}
