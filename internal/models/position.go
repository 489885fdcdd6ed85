// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

// Package models defines the wire-level data types shared between the driver
// client, the rebroadcast server and observer clients.
package models

import "math"

// PositionUpdate is one GPS fix for one vehicle. There is exactly one logical
// "latest" update per VehicleID: a newer CapturedAtMs always supersedes an
// older one, and an update with IsActive=false removes the vehicle from live
// views.
type PositionUpdate struct {
	VehicleID    string  `json:"vehicleId"`
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	Heading      float64 `json:"heading,omitempty"`
	SpeedMps     float64 `json:"speedMps,omitempty"`
	AccuracyM    float64 `json:"accuracyM,omitempty"`
	RouteID      string  `json:"routeId,omitempty"`
	IsActive     bool    `json:"isActive"`
	IsPaused     bool    `json:"isPaused"`
	CapturedAtMs int64   `json:"capturedAtMs"`
}

// HasValidCoordinates reports whether the update carries usable coordinates.
// Malformed positions are excluded from clustering and ETA computation rather
// than aborting the whole recomputation.
func (p PositionUpdate) HasValidCoordinates() bool {
	return ValidCoordinates(p.Lat, p.Lng)
}

// ValidCoordinates reports whether lat/lng form a usable WGS84 point.
func ValidCoordinates(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// Viewport is the geographic window an observer is looking at. Bounds are
// [[minLng,minLat],[maxLng,maxLat]].
type Viewport struct {
	Bounds [2][2]float64 `json:"bounds"`
	Zoom   float64       `json:"zoom"`
	Center [2]float64    `json:"center"`
}

// Contains reports whether the point lies within the viewport bounds,
// inclusive on all edges.
func (v Viewport) Contains(lat, lng float64) bool {
	return lng >= v.Bounds[0][0] && lng <= v.Bounds[1][0] &&
		lat >= v.Bounds[0][1] && lat <= v.Bounds[1][1]
}

// Bounds is a min/max lat-lng envelope.
type Bounds struct {
	MinLat float64 `json:"minLat"`
	MinLng float64 `json:"minLng"`
	MaxLat float64 `json:"maxLat"`
	MaxLng float64 `json:"maxLng"`
}

// Extend grows the envelope to include the given point.
func (b *Bounds) Extend(lat, lng float64) {
	if lat < b.MinLat {
		b.MinLat = lat
	}
	if lat > b.MaxLat {
		b.MaxLat = lat
	}
	if lng < b.MinLng {
		b.MinLng = lng
	}
	if lng > b.MaxLng {
		b.MaxLng = lng
	}
}

// Cluster is a group of nearby live vehicles merged into one map marker.
// Clusters are recomputed from scratch on every viewport or position change
// and are never persisted.
type Cluster struct {
	ID        string     `json:"id"`
	Center    [2]float64 `json:"center"` // [lat, lng]
	MemberIDs []string   `json:"memberIds"`
	Count     int        `json:"count"`
	Bounds    Bounds     `json:"bounds"`
}
