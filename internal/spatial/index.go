// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

// Package spatial maintains the latest live position per vehicle in an
// R-tree, filters them to the observer's viewport and merges nearby
// vehicles into clusters for rendering.
package spatial

import (
	"sort"
	"sync"
	"time"

	"github.com/dhconnelly/rtreego"

	"github.com/transitus/transitus/internal/clock"
	"github.com/transitus/transitus/internal/logging"
	"github.com/transitus/transitus/internal/metrics"
	"github.com/transitus/transitus/internal/models"
)

// ApplyOutcome reports what an Apply call did with an update.
type ApplyOutcome string

const (
	OutcomeApplied ApplyOutcome = "applied"
	OutcomeStale   ApplyOutcome = "stale"
	OutcomeInvalid ApplyOutcome = "invalid"
	OutcomeRemoved ApplyOutcome = "removed"
)

type vehicleItem struct {
	pos  models.PositionUpdate
	rect rtreego.Rect
}

func (v *vehicleItem) Bounds() rtreego.Rect { return v.rect }

// Index holds the latest position per vehicle. It is the only writer of
// its R-tree; all mutation goes through Apply and Expire.
type Index struct {
	mu       sync.RWMutex
	tree     *rtreego.Rtree
	latest   map[string]*vehicleItem
	viewport models.Viewport
	hasVP    bool
	clk      clock.Clock
}

// NewIndex creates an empty index. clk may be nil for the real clock.
func NewIndex(clk clock.Clock) *Index {
	if clk == nil {
		clk = clock.New()
	}
	return &Index{
		tree:   rtreego.NewTree(2, 25, 50),
		latest: make(map[string]*vehicleItem),
		clk:    clk,
	}
}

func pointRect(lat, lng float64) rtreego.Rect {
	r, _ := rtreego.NewRect(rtreego.Point{lat, lng}, []float64{1e-9, 1e-9})
	return r
}

// Apply folds one update into the index. An update older than the stored
// one for the same vehicle is dropped; IsActive=false removes the vehicle.
func (idx *Index) Apply(pos models.PositionUpdate) ApplyOutcome {
	outcome := idx.apply(pos)
	metrics.PositionUpdates.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (idx *Index) apply(pos models.PositionUpdate) ApplyOutcome {
	if pos.VehicleID == "" || (pos.IsActive && !pos.HasValidCoordinates()) {
		return OutcomeInvalid
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	existing, ok := idx.latest[pos.VehicleID]
	if ok && pos.CapturedAtMs <= existing.pos.CapturedAtMs {
		return OutcomeStale
	}

	if !pos.IsActive {
		if ok {
			idx.tree.Delete(existing)
			delete(idx.latest, pos.VehicleID)
		}
		return OutcomeRemoved
	}

	if ok {
		idx.tree.Delete(existing)
	}
	item := &vehicleItem{pos: pos, rect: pointRect(pos.Lat, pos.Lng)}
	idx.tree.Insert(item)
	idx.latest[pos.VehicleID] = item
	return OutcomeApplied
}

// Latest returns the stored position for a vehicle.
func (idx *Index) Latest(vehicleID string) (models.PositionUpdate, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	item, ok := idx.latest[vehicleID]
	if !ok {
		return models.PositionUpdate{}, false
	}
	return item.pos, true
}

// All returns every stored position in ascending vehicle id order.
func (idx *Index) All() []models.PositionUpdate {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]models.PositionUpdate, 0, len(idx.latest))
	for _, item := range idx.latest {
		out = append(out, item.pos)
	}
	sortByVehicleID(out)
	return out
}

// SetViewport replaces the observer's viewport.
func (idx *Index) SetViewport(vp models.Viewport) {
	idx.mu.Lock()
	idx.viewport = vp
	idx.hasVP = true
	idx.mu.Unlock()
}

// Viewport returns the current viewport and whether one has been set.
func (idx *Index) Viewport() (models.Viewport, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.viewport, idx.hasVP
}

// Visible returns the vehicles inside the current viewport in ascending
// vehicle id order. Without a viewport every vehicle is visible.
func (idx *Index) Visible() []models.PositionUpdate {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.visibleLocked()
}

// VisibleIn returns the vehicles inside the given viewport in ascending
// vehicle id order. The index's own viewport is left untouched, so
// concurrent callers with different viewports never interfere.
func (idx *Index) VisibleIn(vp models.Viewport) []models.PositionUpdate {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.visibleInLocked(vp)
}

func (idx *Index) visibleLocked() []models.PositionUpdate {
	if !idx.hasVP {
		out := make([]models.PositionUpdate, 0, len(idx.latest))
		for _, item := range idx.latest {
			out = append(out, item.pos)
		}
		sortByVehicleID(out)
		return out
	}
	return idx.visibleInLocked(idx.viewport)
}

func (idx *Index) visibleInLocked(vp models.Viewport) []models.PositionUpdate {
	// Epsilon padding keeps a degenerate (zero-area) viewport searchable.
	rect, err := rtreego.NewRect(
		rtreego.Point{vp.Bounds[0][1], vp.Bounds[0][0]},
		[]float64{vp.Bounds[1][1] - vp.Bounds[0][1] + 1e-9, vp.Bounds[1][0] - vp.Bounds[0][0] + 1e-9},
	)
	if err != nil {
		logging.Warn().Err(err).Msg("Degenerate viewport, treating as empty")
		return nil
	}

	var out []models.PositionUpdate
	for _, sp := range idx.tree.SearchIntersect(rect) {
		item := sp.(*vehicleItem)
		// Re-check inclusively; the R-tree rect is epsilon-padded.
		if vp.Contains(item.pos.Lat, item.pos.Lng) {
			out = append(out, item.pos)
		}
	}
	sortByVehicleID(out)
	return out
}

// Expire removes vehicles whose position is older than maxAge, so a
// crashed driver client does not leave a marker on the map forever.
// Returns the ids removed.
func (idx *Index) Expire(maxAge time.Duration) []string {
	cutoff := idx.clk.Now().Add(-maxAge).UnixMilli()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	var removed []string
	for id, item := range idx.latest {
		if item.pos.CapturedAtMs < cutoff {
			idx.tree.Delete(item)
			delete(idx.latest, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		sort.Strings(removed)
		metrics.PositionUpdates.WithLabelValues(string(OutcomeRemoved)).Add(float64(len(removed)))
		logging.Debug().Strs("vehicles", removed).Msg("Expired stale vehicle positions")
	}
	return removed
}

// Size returns the number of tracked vehicles.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.latest)
}

func sortByVehicleID(positions []models.PositionUpdate) {
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].VehicleID < positions[j].VehicleID
	})
}
