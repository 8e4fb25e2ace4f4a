package source

import (
	"fmt"
	"math"
	"math/rand/v2"

	"colonystats/internal/table"
)

// Default design of the simulated dragons study.
var (
	DefaultRanges = []string{"Bavarian", "Central", "Emmental", "Julian", "Ligurian", "Maritime", "Sarntal", "Southern"}
	DefaultSites  = []string{"a", "b", "c"}
	DefaultTests  = []string{"t1", "t2"}
)

// SimulateOptions parameterises Simulate. Zero values select the defaults.
type SimulateOptions struct {
	Seed    uint64   `yaml:"seed"`
	PerSite int      `yaml:"per_site" validate:"omitempty,min=1,max=10000"`
	Ranges  []string `yaml:"ranges" validate:"omitempty,min=2,dive,required"`
	Sites   []string `yaml:"sites" validate:"omitempty,min=1,dive,required"`
	Tests   []string `yaml:"tests" validate:"omitempty,min=1,dive,required"`
	// MissingRate is the probability that a score is missing.
	MissingRate float64 `yaml:"missing_rate" validate:"gte=0,lt=1"`
}

// Simulation truth: score = 50 + 0.05*(bodyLength-200) + range + range:site
// + subject + test + noise.
const (
	simBodyMean    = 200.0
	simBodySD      = 20.0
	simBodySlope   = 0.05
	simRangeSD     = 8.0
	simSiteSD      = 3.0
	simSubjectSD   = 4.0
	simTestStep    = 2.5
	simResidualSD  = 4.0
	simDefaultSize = 20
)

// Simulate generates a long-format dragons table: one row per (dragon,
// test) with columns pid, mountainRange, site, bodyLength, test and
// testScore. Site labels repeat across ranges, so site is nested in
// mountainRange. The output depends only on the options.
func Simulate(opts SimulateOptions) *table.Table {
	if opts.PerSite <= 0 {
		opts.PerSite = simDefaultSize
	}
	if len(opts.Ranges) == 0 {
		opts.Ranges = DefaultRanges
	}
	if len(opts.Sites) == 0 {
		opts.Sites = DefaultSites
	}
	if len(opts.Tests) == 0 {
		opts.Tests = DefaultTests
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x5851f42d4c957f2d))
	n := len(opts.Ranges) * len(opts.Sites) * opts.PerSite * len(opts.Tests)
	pid := make([]string, 0, n)
	mr := make([]string, 0, n)
	site := make([]string, 0, n)
	test := make([]string, 0, n)
	body := make([]float64, 0, n)
	score := make([]float64, 0, n)
	id := 0
	for _, r := range opts.Ranges {
		rangeEffect := rng.NormFloat64() * simRangeSD
		for _, s := range opts.Sites {
			siteEffect := rng.NormFloat64() * simSiteSD
			for k := 0; k < opts.PerSite; k++ {
				id++
				bl := simBodyMean + rng.NormFloat64()*simBodySD
				subject := rng.NormFloat64() * simSubjectSD
				for ti, tst := range opts.Tests {
					y := 50 + simBodySlope*(bl-simBodyMean) + rangeEffect + siteEffect + subject +
						float64(ti)*simTestStep + rng.NormFloat64()*simResidualSD
					if opts.MissingRate > 0 && rng.Float64() < opts.MissingRate {
						y = math.NaN()
					}
					pid = append(pid, fmt.Sprintf("d%04d", id))
					mr = append(mr, r)
					site = append(site, s)
					test = append(test, tst)
					body = append(body, math.Round(bl*100)/100)
					score = append(score, math.Round(y*100)/100)
				}
			}
		}
	}
	t, _ := table.New(
		table.NewStrings("pid", pid),
		table.NewStrings("mountainRange", mr),
		table.NewStrings("site", site),
		table.NewFloats("bodyLength", body),
		table.NewStrings("test", test),
		table.NewFloats("testScore", score),
	)
	return t
}
