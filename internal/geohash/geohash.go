// Package geohash implements base-32 spatial hashing of coordinates.
//
// Hashes are built by interleaved binary subdivision of the latitude and
// longitude ranges, longitude first. Nearby points share hash prefixes, so a
// stored hash column supports proximity grouping with plain string prefix
// matching. At precision 9 a cell is roughly 4.8m across.
package geohash

import (
	"errors"
	"fmt"
	"strings"
)

const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// ErrInvalidHash is returned when a hash contains characters outside the
// base-32 alphabet or is empty.
var ErrInvalidHash = errors.New("invalid geohash")

var base32Index = func() map[byte]int {
	m := make(map[byte]int, len(base32))
	for i := 0; i < len(base32); i++ {
		m[base32[i]] = i
	}
	return m
}()

// Cell describes a decoded hash cell: its centroid and bounds.
type Cell struct {
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	LatMin float64 `json:"lat_min"`
	LatMax float64 `json:"lat_max"`
	LngMin float64 `json:"lng_min"`
	LngMax float64 `json:"lng_max"`
}

// Encode maps a coordinate to a base-32 hash of the given precision. Longer
// precisions extend the shorter hash of the same point as a string prefix.
func Encode(lat, lng float64, precision int) string {
	if precision < 1 {
		precision = 1
	}

	latMin, latMax := -90.0, 90.0
	lngMin, lngMax := -180.0, 180.0

	var sb strings.Builder
	sb.Grow(precision)

	var ch, bit int
	even := true // alternate starting with longitude

	for sb.Len() < precision {
		if even {
			mid := (lngMin + lngMax) / 2
			if lng >= mid {
				ch |= 1 << (4 - bit)
				lngMin = mid
			} else {
				lngMax = mid
			}
		} else {
			mid := (latMin + latMax) / 2
			if lat >= mid {
				ch |= 1 << (4 - bit)
				latMin = mid
			} else {
				latMax = mid
			}
		}
		even = !even

		bit++
		if bit == 5 {
			sb.WriteByte(base32[ch])
			bit = 0
			ch = 0
		}
	}

	return sb.String()
}

// Decode is the inverse of Encode. It returns the cell identified by hash,
// including its centroid and bounds. Characters outside the base-32 alphabet
// yield ErrInvalidHash.
func Decode(hash string) (Cell, error) {
	if hash == "" {
		return Cell{}, fmt.Errorf("%w: empty string", ErrInvalidHash)
	}

	latMin, latMax := -90.0, 90.0
	lngMin, lngMax := -180.0, 180.0
	even := true

	for i := 0; i < len(hash); i++ {
		idx, ok := base32Index[hash[i]]
		if !ok {
			return Cell{}, fmt.Errorf("%w: character %q at position %d", ErrInvalidHash, hash[i], i)
		}
		for bit := 4; bit >= 0; bit-- {
			set := idx>>bit&1 == 1
			if even {
				mid := (lngMin + lngMax) / 2
				if set {
					lngMin = mid
				} else {
					lngMax = mid
				}
			} else {
				mid := (latMin + latMax) / 2
				if set {
					latMin = mid
				} else {
					latMax = mid
				}
			}
			even = !even
		}
	}

	return Cell{
		Lat:    (latMin + latMax) / 2,
		Lng:    (lngMin + lngMax) / 2,
		LatMin: latMin,
		LatMax: latMax,
		LngMin: lngMin,
		LngMax: lngMax,
	}, nil
}

// Neighbors returns the eight cells adjacent to hash (N, NE, E, SE, S, SW, W,
// NW) at the same precision, computed by offsetting the centroid by one cell
// width/height and re-encoding.
func Neighbors(hash string) ([8]string, error) {
	var out [8]string

	cell, err := Decode(hash)
	if err != nil {
		return out, err
	}

	dLat := cell.LatMax - cell.LatMin
	dLng := cell.LngMax - cell.LngMin

	offsets := [8][2]float64{
		{dLat, 0},      // N
		{dLat, dLng},   // NE
		{0, dLng},      // E
		{-dLat, dLng},  // SE
		{-dLat, 0},     // S
		{-dLat, -dLng}, // SW
		{0, -dLng},     // W
		{dLat, -dLng},  // NW
	}

	for i, off := range offsets {
		out[i] = Encode(cell.Lat+off[0], wrapLng(cell.Lng+off[1]), len(hash))
	}
	return out, nil
}

// wrapLng keeps a longitude within [-180, 180) after a neighbor offset
// crosses the antimeridian.
func wrapLng(lng float64) float64 {
	for lng >= 180 {
		lng -= 360
	}
	for lng < -180 {
		lng += 360
	}
	return lng
}

// PrecisionForZoom maps a map zoom level (0..20) to the hash length used for
// clustering at that zoom. Lower zoom means coarser cells.
func PrecisionForZoom(zoom int) int {
	switch {
	case zoom <= 5:
		return 3
	case zoom <= 8:
		return 4
	case zoom <= 10:
		return 5
	case zoom <= 12:
		return 6
	case zoom <= 14:
		return 7
	case zoom <= 16:
		return 8
	default:
		return 9
	}
}
