// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

package spatial

import (
	"fmt"
	"math"
	"time"

	"github.com/transitus/transitus/internal/geo"
	"github.com/transitus/transitus/internal/metrics"
	"github.com/transitus/transitus/internal/models"
)

const minClusterRadiusM = 50.0

// ClusterRadiusMeters returns the merge radius for a zoom level: finer
// radius at higher zoom, never below 50 m.
func ClusterRadiusMeters(zoom float64) float64 {
	return math.Max(minClusterRadiusM, 1000/math.Pow(2, zoom-10))
}

// ComputeClusters merges nearby vehicles into clusters with a single-pass
// greedy grouping over the input order. Identical inputs always yield
// identical cluster sets; vehicles without valid coordinates are skipped.
func ComputeClusters(vehicles []models.PositionUpdate, zoom float64) []models.Cluster {
	radius := ClusterRadiusMeters(zoom)

	valid := vehicles[:0:0]
	for _, v := range vehicles {
		if v.HasValidCoordinates() {
			valid = append(valid, v)
		}
	}

	processed := make([]bool, len(valid))
	clusters := make([]models.Cluster, 0, len(valid))

	for i, v := range valid {
		if processed[i] {
			continue
		}
		processed[i] = true

		members := []models.PositionUpdate{v}
		for j := i + 1; j < len(valid); j++ {
			if processed[j] {
				continue
			}
			if geo.PlanarDistanceMeters(v.Lat, v.Lng, valid[j].Lat, valid[j].Lng) <= radius {
				processed[j] = true
				members = append(members, valid[j])
			}
		}
		clusters = append(clusters, buildCluster(members))
	}
	return clusters
}

func buildCluster(members []models.PositionUpdate) models.Cluster {
	var sumLat, sumLng float64
	ids := make([]string, len(members))
	bounds := models.Bounds{
		MinLat: members[0].Lat, MaxLat: members[0].Lat,
		MinLng: members[0].Lng, MaxLng: members[0].Lng,
	}
	for i, m := range members {
		ids[i] = m.VehicleID
		sumLat += m.Lat
		sumLng += m.Lng
		bounds.Extend(m.Lat, m.Lng)
	}
	n := float64(len(members))
	return models.Cluster{
		ID:        fmt.Sprintf("cluster-%s-%d", members[0].VehicleID, len(members)),
		Center:    [2]float64{sumLat / n, sumLng / n},
		MemberIDs: ids,
		Count:     len(members),
		Bounds:    bounds,
	}
}

// Clusters recomputes the cluster set for the vehicles visible in the
// current viewport at its zoom level.
func (idx *Index) Clusters() []models.Cluster {
	start := time.Now()

	idx.mu.RLock()
	visible := idx.visibleLocked()
	zoom := idx.viewport.Zoom
	idx.mu.RUnlock()

	clusters := ComputeClusters(visible, zoom)
	metrics.RecordClusterComputation(time.Since(start), len(clusters), len(visible))
	return clusters
}

// ClustersIn computes the cluster set for a caller-supplied viewport
// without writing it to the index, so concurrent queries see only their
// own bounds and zoom.
func (idx *Index) ClustersIn(vp models.Viewport) []models.Cluster {
	start := time.Now()

	visible := idx.VisibleIn(vp)

	clusters := ComputeClusters(visible, vp.Zoom)
	metrics.RecordClusterComputation(time.Since(start), len(clusters), len(visible))
	return clusters
}
