package availability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-hail/internal/geo"
	"github.com/example/ride-hail/internal/models"
)

// MaxPingAge is the freshness window: a driver whose last ping is older
// is invisible to matching. Staleness is evaluated at query time.
const MaxPingAge = 5 * time.Minute

// DefaultETAMinutes is quoted when no candidate is close enough to
// average over.
const DefaultETAMinutes = 15

// SourcedPing pairs a driver's profile with their latest location ping.
type SourcedPing struct {
	Driver models.Driver
	Ping   models.DriverLocationPing
}

// PingSource yields recent driver pings near a point. Implementations
// may pre-filter by radius but the index re-checks every filter.
type PingSource interface {
	PingsNear(ctx context.Context, near models.Coord, radiusKm float64) ([]SourcedPing, error)
}

type Candidate struct {
	Driver     models.Driver `json:"driver"`
	DistanceKm float64       `json:"distance_km"`
	ETAMinutes int           `json:"eta_min"`
}

// Index ranks available drivers for a pickup point and vehicle class.
type Index struct {
	Source   PingSource
	Area     geo.AreaStrategy
	Now      func() time.Time
	RadiusKm float64
	SpeedKmh float64
}

func NewIndex(source PingSource, area geo.AreaStrategy) *Index {
	return &Index{
		Source:   source,
		Area:     area,
		Now:      time.Now,
		RadiusKm: geo.MatchRadiusKm,
		SpeedKmh: geo.DefaultSpeedKmh,
	}
}

// FindCandidates applies, in order: ping freshness, online, approved,
// vehicle class, operating area, match radius; the survivors are sorted
// by distance then ETA.
func (ix *Index) FindCandidates(ctx context.Context, pickup models.Coord, class models.VehicleClass) ([]Candidate, error) {
	pings, err := ix.Source.PingsNear(ctx, pickup, ix.RadiusKm)
	if err != nil {
		return nil, err
	}
	now := ix.Now()
	out := make([]Candidate, 0, len(pings))
	for _, sp := range pings {
		if now.Sub(sp.Ping.At) > MaxPingAge {
			continue
		}
		if !sp.Driver.Online || !sp.Driver.Approved {
			continue
		}
		if sp.Driver.VehicleClass != class {
			continue
		}
		if ix.Area != nil && !ix.Area.Contains(sp.Ping.Loc) {
			continue
		}
		dist := geo.DistanceKm(pickup, sp.Ping.Loc)
		if dist > ix.RadiusKm {
			continue
		}
		out = append(out, Candidate{
			Driver:     sp.Driver,
			DistanceKm: dist,
			ETAMinutes: geo.ETAMinutes(dist, ix.SpeedKmh),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].ETAMinutes < out[j].ETAMinutes
	})
	return out, nil
}

func (ix *Index) Count(ctx context.Context, pickup models.Coord, class models.VehicleClass) (int, error) {
	cands, err := ix.FindCandidates(ctx, pickup, class)
	if err != nil {
		return 0, err
	}
	return len(cands), nil
}

// AverageClosestETA averages the ETA of the n closest candidates for
// quoting, falling back to DefaultETAMinutes with no candidates.
func (ix *Index) AverageClosestETA(ctx context.Context, pickup models.Coord, class models.VehicleClass, n int) (int, error) {
	if n <= 0 {
		n = 3
	}
	cands, err := ix.FindCandidates(ctx, pickup, class)
	if err != nil {
		return 0, err
	}
	if len(cands) == 0 {
		return DefaultETAMinutes, nil
	}
	if len(cands) < n {
		n = len(cands)
	}
	sum := 0
	for _, c := range cands[:n] {
		sum += c.ETAMinutes
	}
	return sum / n, nil
}

// MemorySource is a mutex-guarded in-process ping store, used in tests
// and when Redis is not configured.
type MemorySource struct {
	mu    sync.RWMutex
	pings map[string]SourcedPing
}

func NewMemorySource() *MemorySource {
	return &MemorySource{pings: make(map[string]SourcedPing)}
}

func (m *MemorySource) Upsert(d models.Driver, p models.DriverLocationPing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings[d.ID] = SourcedPing{Driver: d, Ping: p}
}

func (m *MemorySource) PingsNear(ctx context.Context, near models.Coord, radiusKm float64) ([]SourcedPing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SourcedPing, 0, len(m.pings))
	for _, sp := range m.pings {
		out = append(out, sp)
	}
	return out, nil
}
