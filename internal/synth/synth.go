// Package synth generates synthetic slide annotations with clustered spatial
// structure, mimicking cell detections on whole-slide pathology images. A
// Gaussian mixture places cells around separated cluster centers with uneven
// cluster weights, and labels follow configurable class proportions.
package synth

import (
	"math"
	"math/rand/v2"

	"github.com/spatialpath/server/internal/store/slidestore"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

// DefaultBatchSize is the number of annotations yielded per streamed batch.
const DefaultBatchSize = 10000

// CellClass describes one generated cell population.
type CellClass struct {
	Name           string
	Proportion     float64
	ConfidenceMean float64
	ConfidenceStd  float64
}

// DefaultCellClasses approximates the label mix of an H&E breast slide.
var DefaultCellClasses = []CellClass{
	{Name: "epithelial", Proportion: 0.35, ConfidenceMean: 0.88, ConfidenceStd: 0.08},
	{Name: "stromal", Proportion: 0.25, ConfidenceMean: 0.82, ConfidenceStd: 0.12},
	{Name: "lymphocyte", Proportion: 0.20, ConfidenceMean: 0.90, ConfidenceStd: 0.06},
	{Name: "macrophage", Proportion: 0.10, ConfidenceMean: 0.78, ConfidenceStd: 0.15},
	{Name: "necrotic", Proportion: 0.10, ConfidenceMean: 0.65, ConfidenceStd: 0.20},
}

// Config controls slide geometry and clustering.
type Config struct {
	Width         float64 // slide width in micrometers
	Height        float64 // slide height in micrometers
	NumClusters   int
	ClusterStdMin float64 // per-axis Gaussian spread range, micrometers
	ClusterStdMax float64
	Margin        float64 // fraction of each dimension kept clear of cluster centers
	CellClasses   []CellClass
	Seed          uint64
}

// DefaultConfig returns the standard 10 cm x 8 cm slide setup.
func DefaultConfig() Config {
	return Config{
		Width:         100000,
		Height:        80000,
		NumClusters:   30,
		ClusterStdMin: 500,
		ClusterStdMax: 3000,
		Margin:        0.1,
		CellClasses:   DefaultCellClasses,
		Seed:          42,
	}
}

// Generator produces clustered synthetic annotations. It is deterministic
// for a given Config, including the seed.
type Generator struct {
	cfg     Config
	src     rand.Source
	rng     *rand.Rand
	classes []CellClass
	cum     []float64 // cumulative normalized proportions
}

// New creates a generator. Zero-valued Config fields fall back to defaults.
func New(cfg Config) *Generator {
	def := DefaultConfig()
	if cfg.Width <= 0 {
		cfg.Width = def.Width
	}
	if cfg.Height <= 0 {
		cfg.Height = def.Height
	}
	if cfg.NumClusters <= 0 {
		cfg.NumClusters = def.NumClusters
	}
	if cfg.ClusterStdMin <= 0 {
		cfg.ClusterStdMin = def.ClusterStdMin
	}
	if cfg.ClusterStdMax < cfg.ClusterStdMin {
		cfg.ClusterStdMax = def.ClusterStdMax
	}
	if cfg.Margin <= 0 || cfg.Margin >= 0.5 {
		cfg.Margin = def.Margin
	}
	if len(cfg.CellClasses) == 0 {
		cfg.CellClasses = DefaultCellClasses
	}

	src := rand.NewPCG(cfg.Seed, cfg.Seed+1)

	g := &Generator{
		cfg:     cfg,
		src:     src,
		rng:     rand.New(src),
		classes: append([]CellClass(nil), cfg.CellClasses...),
	}

	// Normalize proportions
	total := 0.0
	for _, c := range g.classes {
		total += c.Proportion
	}
	g.cum = make([]float64, len(g.classes))
	cum := 0.0
	for i, c := range g.classes {
		cum += c.Proportion / total
		g.cum[i] = cum
	}

	return g
}

// clusterCenters places up to n centers inside the margin box, rejecting
// candidates closer than min(w,h)/(2*sqrt(n)) to an existing center. The
// attempt budget keeps dense configurations from looping forever, so fewer
// than n centers may come back.
func (g *Generator) clusterCenters(n int) [][2]float64 {
	marginX := g.cfg.Width * g.cfg.Margin
	marginY := g.cfg.Height * g.cfg.Margin
	minDist := math.Min(g.cfg.Width, g.cfg.Height) / (2 * math.Sqrt(float64(n)))

	ux := distuv.Uniform{Min: marginX, Max: g.cfg.Width - marginX, Src: g.src}
	uy := distuv.Uniform{Min: marginY, Max: g.cfg.Height - marginY, Src: g.src}

	centers := make([][2]float64, 0, n)
	maxAttempts := n * 100

	for attempts := 0; len(centers) < n && attempts < maxAttempts; attempts++ {
		x := ux.Rand()
		y := uy.Rand()

		ok := true
		for _, c := range centers {
			if math.Hypot(c[0]-x, c[1]-y) <= minDist {
				ok = false
				break
			}
		}
		if ok {
			centers = append(centers, [2]float64{x, y})
		}
	}

	return centers
}

type cluster struct {
	id         int
	cx, cy     float64
	stdX, stdY float64
	count      int
}

// planClusters samples the mixture parameters: centers, per-axis spreads and
// a Dirichlet weight per cluster so cluster sizes are realistically uneven.
func (g *Generator) planClusters(nPoints int) []cluster {
	centers := g.clusterCenters(g.cfg.NumClusters)
	k := len(centers)
	if k == 0 {
		return nil
	}

	stdDist := distuv.Uniform{Min: g.cfg.ClusterStdMin, Max: g.cfg.ClusterStdMax, Src: g.src}

	alpha := make([]float64, k)
	for i := range alpha {
		alpha[i] = 2
	}
	weights := distmv.NewDirichlet(alpha, g.src).Rand(nil)

	clusters := make([]cluster, k)
	assigned := 0
	for i := range clusters {
		count := int(weights[i] * float64(nPoints))
		clusters[i] = cluster{
			id:    i,
			cx:    centers[i][0],
			cy:    centers[i][1],
			stdX:  stdDist.Rand(),
			stdY:  stdDist.Rand(),
			count: count,
		}
		assigned += count
	}
	// The floors above undershoot; the last cluster absorbs the remainder.
	clusters[k-1].count += nPoints - assigned

	return clusters
}

func (g *Generator) pickClass() CellClass {
	r := g.rng.Float64()
	for i, c := range g.cum {
		if r <= c {
			return g.classes[i]
		}
	}
	return g.classes[len(g.classes)-1]
}

func (g *Generator) makeAnnotation(c cluster, nx, ny distuv.Normal) (*slidestore.Annotation, bool) {
	x := nx.Rand()
	y := ny.Rand()

	// Cells falling outside the slide are dropped, not resampled, so the
	// generated count can undershoot the target.
	if x <= 0 || x >= g.cfg.Width || y <= 0 || y >= g.cfg.Height {
		return nil, false
	}

	class := g.pickClass()
	conf := distuv.Normal{Mu: class.ConfidenceMean, Sigma: class.ConfidenceStd, Src: g.src}.Rand()
	conf = math.Min(1.0, math.Max(0.1, conf))

	return &slidestore.Annotation{
		X:          x,
		Y:          y,
		Label:      class.Name,
		Confidence: conf,
		ClusterID:  c.id,
	}, true
}

// Stream generates up to nPoints annotations in batches, invoking fn for each
// batch. Generation stops early if fn returns an error.
func (g *Generator) Stream(nPoints, batchSize int, fn func(batch []*slidestore.Annotation) error) error {
	if nPoints <= 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	batch := make([]*slidestore.Annotation, 0, batchSize)
	for _, c := range g.planClusters(nPoints) {
		nx := distuv.Normal{Mu: c.cx, Sigma: c.stdX, Src: g.src}
		ny := distuv.Normal{Mu: c.cy, Sigma: c.stdY, Src: g.src}

		for i := 0; i < c.count; i++ {
			ann, ok := g.makeAnnotation(c, nx, ny)
			if !ok {
				continue
			}
			batch = append(batch, ann)
			if len(batch) >= batchSize {
				if err := fn(batch); err != nil {
					return err
				}
				batch = make([]*slidestore.Annotation, 0, batchSize)
			}
		}
	}

	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

// Generate accumulates a full run in memory. Prefer Stream for large counts.
func (g *Generator) Generate(nPoints int) []*slidestore.Annotation {
	var all []*slidestore.Annotation
	g.Stream(nPoints, DefaultBatchSize, func(batch []*slidestore.Annotation) error {
		all = append(all, batch...)
		return nil
	})
	return all
}

// SlideSpec pairs slide metadata with the generator config that fills it.
// The loader assigns the slide ID and creation time.
type SlideSpec struct {
	Slide  slidestore.Slide
	Config Config
}

var (
	multiSlideOrgans = []string{"Breast", "Lung", "Colon", "Liver", "Kidney"}
	multiSlideStains = []string{"H&E", "IHC-Ki67", "IHC-CD3", "IHC-CD8", "H&E"}
	multiSlideMPP    = []float64{0.25, 0.5, 0.125}
)

// MultiSlide returns n varied slide specs for a multi-slide dataset: sizes,
// resolution, stain and organ rotate per slide and each slide gets its own
// generator seed.
func MultiSlide(n int, baseSeed uint64) []SlideSpec {
	rng := rand.New(rand.NewPCG(baseSeed, 0))

	specs := make([]SlideSpec, 0, n)
	for i := 0; i < n; i++ {
		cfg := DefaultConfig()
		cfg.Width = float64(80000 + rng.IntN(40000))
		cfg.Height = float64(60000 + rng.IntN(40000))
		cfg.NumClusters = 20 + i*2
		cfg.Seed = baseSeed + uint64(i)

		specs = append(specs, SlideSpec{
			Slide: slidestore.Slide{
				WidthUm:         cfg.Width,
				HeightUm:        cfg.Height,
				MicronsPerPixel: multiSlideMPP[rng.IntN(len(multiSlideMPP))],
				Stain:           multiSlideStains[i%len(multiSlideStains)],
				Organ:           multiSlideOrgans[i%len(multiSlideOrgans)],
			},
			Config: cfg,
		})
	}
	return specs
}
