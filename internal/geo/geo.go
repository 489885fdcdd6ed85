// Transitus - University Bus Tracking and Live Map Platform
// Copyright 2026 The Transitus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/transitus/transitus

// Package geo computes distances and arrival estimates for live vehicles.
package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/transitus/transitus/internal/models"
)

// earthRadiusM is the mean Earth radius used by the haversine formula.
const earthRadiusM = 6371000.0

// defaultSpeedMps is assumed when a vehicle reports no usable speed
// (stationary or missing fix). Roughly 30 km/h, a typical campus shuttle pace.
const defaultSpeedMps = 8.33

// ErrInvalidCoordinates indicates a lat/lng pair outside WGS84 range or NaN.
var ErrInvalidCoordinates = errors.New("geo: invalid coordinates")

// DistanceMeters returns the great-circle distance between two points.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	la1 := lat1 * math.Pi / 180
	la2 := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(la1)*math.Cos(la2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// PlanarDistanceMeters approximates distance on a flat grid where one degree
// is 111,000 meters. Cheap enough to call inside the clustering loop, accurate
// enough at campus scale.
func PlanarDistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat1 - lat2) * 111000
	dLng := (lng1 - lng2) * 111000
	return math.Sqrt(dLat*dLat + dLng*dLng)
}

// ETA is a distance and arrival estimate for one vehicle against one target.
type ETA struct {
	DistanceMeters float64 `json:"distanceMeters"`
	Seconds        float64 `json:"seconds"`
	Display        string  `json:"display"`
}

// EstimateETA computes the arrival estimate for a vehicle heading to the
// target point. Vehicles moving slower than 1 m/s are treated as moving at
// the default speed so that a bus idling at a stop still yields a usable
// estimate.
func EstimateETA(p models.PositionUpdate, targetLat, targetLng float64) (ETA, error) {
	if !p.HasValidCoordinates() || !models.ValidCoordinates(targetLat, targetLng) {
		return ETA{}, ErrInvalidCoordinates
	}

	distance := DistanceMeters(p.Lat, p.Lng, targetLat, targetLng)

	speed := p.SpeedMps
	if !(speed > 1) || math.IsNaN(speed) || math.IsInf(speed, 0) {
		speed = defaultSpeedMps
	}

	seconds := distance / speed
	return ETA{
		DistanceMeters: distance,
		Seconds:        seconds,
		Display:        FormatETA(seconds),
	}, nil
}

// FormatETA renders an estimate in seconds as the display string shown next
// to a map marker. Exactly 60 seconds is "1 min", not "less than 1 min".
func FormatETA(seconds float64) string {
	if seconds < 60 {
		return "less than 1 min"
	}
	minutes := int(math.Ceil(seconds / 60))
	if minutes > 60 {
		return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
	}
	return fmt.Sprintf("%d min", minutes)
}
