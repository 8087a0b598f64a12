package gopvt

import (
	"math"
)

//-------------------------------------------------------------------
// PosXYZ
//-------------------------------------------------------------------

// PosXYZ is an Earth-centered Earth-fixed position [m].
type PosXYZ struct {
	X float64
	Y float64
	Z float64
}

func (p PosXYZ) Sub(b PosXYZ) PosXYZ {
	return PosXYZ{X: p.X - b.X, Y: p.Y - b.Y, Z: p.Z - b.Z}
}

func (p PosXYZ) Norm() float64 {
	return math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z)
}

func (p PosXYZ) Dot(b PosXYZ) float64 {
	return p.X*b.X + p.Y*b.Y + p.Z*b.Z
}

// Distance returns the Euclidean distance between p and b.
func (p PosXYZ) Distance(b PosXYZ) float64 {
	return p.Sub(b).Norm()
}

// LOS returns the unit line-of-sight vector from p toward sat.
func (p PosXYZ) LOS(sat PosXYZ) PosXYZ {
	d := sat.Sub(p)
	r := d.Norm()
	if r == 0 {
		return PosXYZ{}
	}
	return PosXYZ{X: d.X / r, Y: d.Y / r, Z: d.Z / r}
}

// ToLLH converts ECEF coordinates to geodetic latitude/longitude/height.
func (p PosXYZ) ToLLH() PosLLH {
	if p.X == 0 && p.Y == 0 && p.Z == 0 {
		return PosLLH{Lat: 0, Lon: 0, Hei: -Re}
	}
	a := Re
	b := a * (1 - Fe)
	e := math.Sqrt(Fe * (2 - Fe))

	h := a*a - b*b
	q := math.Sqrt(p.X*p.X + p.Y*p.Y)
	t := math.Atan2(p.Z*a, q*b)
	sint := math.Sin(t)
	cost := math.Cos(t)

	lat := math.Atan2(p.Z+h/b*sint*sint*sint, q-h/a*cost*cost*cost)
	lon := math.Atan2(p.Y, p.X)
	n := a / math.Sqrt(1-e*e*math.Sin(lat)*math.Sin(lat))
	hei := q/math.Cos(lat) - n
	return PosLLH{Lat: lat, Lon: lon, Hei: hei}
}

// ToENU expresses p in the local east/north/up frame centered at base.
func (p PosXYZ) ToENU(base PosXYZ) PosENU {
	d := p.Sub(base)
	llh := base.ToLLH()
	s1 := math.Sin(llh.Lon)
	c1 := math.Cos(llh.Lon)
	s2 := math.Sin(llh.Lat)
	c2 := math.Cos(llh.Lat)
	return PosENU{
		E: -d.X*s1 + d.Y*c1,
		N: -d.X*c1*s2 - d.Y*s1*s2 + d.Z*c2,
		U: d.X*c1*c2 + d.Y*s1*c2 + d.Z*s2,
	}
}

// Elevation returns the elevation angle [rad] of sat as seen from p.
func (p PosXYZ) Elevation(sat PosXYZ) float64 {
	return sat.ToENU(p).Elevation()
}

// Azimuth returns the azimuth angle [rad] of sat as seen from p.
func (p PosXYZ) Azimuth(sat PosXYZ) float64 {
	return sat.ToENU(p).Azimuth()
}

//-------------------------------------------------------------------
// PosLLH
//-------------------------------------------------------------------

// PosLLH is a geodetic position: latitude/longitude [rad], height [m].
type PosLLH struct {
	Lat float64
	Lon float64
	Hei float64
}

// ToXYZ converts geodetic coordinates to ECEF.
func (p PosLLH) ToXYZ() PosXYZ {
	e := math.Sqrt(Fe * (2 - Fe))
	n := Re / math.Sqrt(1-e*e*math.Sin(p.Lat)*math.Sin(p.Lat))
	return PosXYZ{
		X: (n + p.Hei) * math.Cos(p.Lat) * math.Cos(p.Lon),
		Y: (n + p.Hei) * math.Cos(p.Lat) * math.Sin(p.Lon),
		Z: (n*(1-e*e) + p.Hei) * math.Sin(p.Lat),
	}
}

//-------------------------------------------------------------------
// PosENU
//-------------------------------------------------------------------

// PosENU is a position in a local east/north/up tangent frame [m].
type PosENU struct {
	E float64
	N float64
	U float64
}

func (p PosENU) Elevation() float64 {
	return math.Atan2(p.U, math.Sqrt(p.E*p.E+p.N*p.N))
}

func (p PosENU) Azimuth() float64 {
	return math.Atan2(p.E, p.N)
}

// ToXYZ rotates the local tangent coordinates back to ECEF around base.
func (p PosENU) ToXYZ(base PosXYZ) PosXYZ {
	llh := base.ToLLH()
	s1 := math.Sin(llh.Lon)
	c1 := math.Cos(llh.Lon)
	s2 := math.Sin(llh.Lat)
	c2 := math.Cos(llh.Lat)
	return PosXYZ{
		X: base.X - p.E*s1 - p.N*c1*s2 + p.U*c1*c2,
		Y: base.Y + p.E*c1 - p.N*s1*s2 + p.U*s1*c2,
		Z: base.Z + p.N*c2 + p.U*s2,
	}
}
