// Package ranking orders candidate drivers for a request location.
package ranking

import (
	"bytes"
	"math"
	"sort"

	"github.com/example/sosdispatch/internal/geo"
	"github.com/example/sosdispatch/internal/sos/domain"
)

// Weights are policy constants; the defaults favour arrival speed while
// still rewarding track record.
type Weights struct {
	Distance      float64 `json:"distance"`
	Trust         float64 `json:"trust"`
	Experience    float64 `json:"experience"`
	DecayPerKM    float64 `json:"decay_per_km"`
	ExperienceCap float64 `json:"experience_cap"`
	RidesPerPoint float64 `json:"rides_per_point"`
}

func DefaultWeights() Weights {
	return Weights{
		Distance:      0.5,
		Trust:         0.4,
		Experience:    0.1,
		DecayPerKM:    10,
		ExperienceCap: 20,
		RidesPerPoint: 10,
	}
}

// Candidate is a driver annotated with its composite score.
type Candidate struct {
	Driver     domain.Driver `json:"driver"`
	DistanceKM float64       `json:"distance_km"`
	Score      float64       `json:"score"`
}

// Ranker is stateless and safe for concurrent use.
type Ranker struct {
	w Weights
}

func New(w Weights) *Ranker {
	if w.RidesPerPoint <= 0 {
		w.RidesPerPoint = DefaultWeights().RidesPerPoint
	}
	return &Ranker{w: w}
}

// Rank drops unavailable drivers and sorts the rest by descending score,
// breaking ties on the lower driver id.
func (r *Ranker) Rank(drivers []domain.Driver, at domain.Coordinate) []Candidate {
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		if !d.IsAvailable {
			continue
		}
		dist := geo.DistanceKm(d.Location, at)
		out = append(out, Candidate{Driver: d, DistanceKM: dist, Score: r.score(d, dist)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return bytes.Compare(out[i].Driver.ID[:], out[j].Driver.ID[:]) < 0
	})
	return out
}

func (r *Ranker) score(d domain.Driver, distanceKM float64) float64 {
	distanceScore := math.Max(0, 100-distanceKM*r.w.DecayPerKM)
	experience := math.Min(r.w.ExperienceCap, float64(d.TotalRides)/r.w.RidesPerPoint)
	return r.w.Distance*distanceScore + r.w.Trust*d.TrustScore + r.w.Experience*experience
}
