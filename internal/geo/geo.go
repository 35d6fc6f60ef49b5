package geo

import "math"

const earthRadiusKm = 6371.0

// minMovementM filters out GPS jitter: deltas below this are treated as no
// movement when accumulating walk distance.
const minMovementM = 1.0

// maxWalkSpeedKmh is the fastest plausible speed for a dog walk. Jumps above
// it are GPS glitches, not movement.
const maxWalkSpeedKmh = 35.0

func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

func DistanceM(lat1, lng1, lat2, lng2 float64) float64 {
	return HaversineKm(lat1, lng1, lat2, lng2) * 1000
}

// MovementM returns the distance in meters to accumulate for a step between
// two fixes taken dtSeconds apart. Sub-meter jitter counts as zero; a step
// implying an implausible speed is discarded as a glitch.
func MovementM(lat1, lng1, lat2, lng2, dtSeconds float64) float64 {
	d := DistanceM(lat1, lng1, lat2, lng2)
	if d < minMovementM {
		return 0
	}
	if dtSeconds > 0 {
		speedKmh := (d / 1000) / (dtSeconds / 3600)
		if speedKmh > maxWalkSpeedKmh {
			return 0
		}
	}
	return d
}
