// This code is adapted from RTKLIB.
// The author gratefully acknowledges T.Takasu for his outstanding contribution in developing RTKLIB.
//
// Last modified: 2026.8.29
//

package gopvt

import (
	"math"
)

// Tropospheric and ionospheric delay models. Both are pure functions of the
// epoch, an approximate receiver position and the satellite elevation; they
// never fail, degrading to a zero delay (with a trace warning) when the
// inputs leave the model's validity range.

// TropoZenith returns the Saastamoinen zenith delay [m] for a standard
// atmosphere at the given position.
func TropoZenith(pos PosXYZ) float64 {
	const temp0 = 15.0 // Surface temperature [degC]
	const humi = 0.7   // Relative humidity

	llh := pos.ToLLH()
	if llh.Hei < -100.0 || llh.Hei > 1e4 {
		tracef(1, "tropo: height %.0f m outside model range, delay set to 0\n", llh.Hei)
		return 0.0
	}
	hgt := math.Max(llh.Hei, 0.0)
	pres := 1013.25 * math.Pow(1.0-2.2557e-5*hgt, 5.2568)
	temp := temp0 - 6.5e-3*hgt + 273.16
	e := 6.108 * humi * math.Exp((17.15*temp-4684.0)/(temp-38.45))

	trph := 0.0022768 * pres / (1.0 - 0.00266*math.Cos(2.0*llh.Lat) - 0.00028*hgt/1e3)
	trpw := 0.002277 * (1255.0/temp + 0.05) * e
	return trph + trpw
}

// TropoDelay returns the slant tropospheric delay [m] for a satellite at the
// given elevation [rad], mapping the zenith delay with the Niell function.
func TropoDelay(t GTime, pos PosXYZ, elev float64) float64 {
	if elev <= 0.0 {
		return 0.0
	}
	z := TropoZenith(pos)
	if z == 0.0 {
		return 0.0
	}
	m := niellMap(t, pos.ToLLH(), elev)
	if m == 0.0 {
		return 0.0
	}
	return z * m
}

// Niell hydrostatic mapping function coefficients by latitude band
// (15, 30, 45, 60, 75 deg): averages, seasonal amplitudes, height terms.
var niellCoef = [9][5]float64{
	{1.2769934e-3, 1.2683230e-3, 1.2465397e-3, 1.2196049e-3, 1.2045996e-3},
	{2.9153695e-3, 2.9152299e-3, 2.9288445e-3, 2.9022565e-3, 2.9024912e-3},
	{62.610505e-3, 62.837393e-3, 63.721774e-3, 63.824265e-3, 64.258455e-3},

	{0.0000000e-0, 1.2709626e-5, 2.6523662e-5, 3.4000452e-5, 4.1202191e-5},
	{0.0000000e-0, 2.1414979e-5, 3.0160779e-5, 7.2562722e-5, 11.723375e-5},
	{0.0000000e-0, 9.0128400e-5, 4.3497037e-5, 84.795348e-5, 170.37206e-5},

	{5.8021897e-4, 5.6794847e-4, 5.8118019e-4, 5.9727542e-4, 6.1641693e-4},
	{1.4275268e-3, 1.5138625e-3, 1.4572752e-3, 1.5007428e-3, 1.7599082e-3},
	{4.3472961e-2, 4.6729510e-2, 4.3908931e-2, 4.4626982e-2, 5.4736038e-2},
}

var niellHeight = [3]float64{2.53e-5, 5.49e-3, 1.14e-3}

func niellMap(t GTime, pos PosLLH, elev float64) float64 {
	if pos.Hei < -1000.0 || pos.Hei > 20000.0 {
		tracef(1, "tropo: height %.0f m outside mapping range\n", pos.Hei)
		return 0.0
	}
	lat := ToDeg(pos.Lat)
	doy := t.ToTime().YearDay()
	y := (float64(doy) - 28.0) / 365.25
	if lat < 0.0 {
		y += 0.5
	}
	cosy := math.Cos(2 * PI * y)
	lat = math.Abs(lat)
	var ah [3]float64
	for i := 0; i < 3; i++ {
		ah[i] = interpLat(niellCoef[i], lat) - interpLat(niellCoef[i+3], lat)*cosy
	}
	dm := (1.0/math.Sin(elev) - herring(elev, niellHeight[0], niellHeight[1], niellHeight[2])) * pos.Hei / 1e3
	return herring(elev, ah[0], ah[1], ah[2]) + dm
}

func interpLat(coef [5]float64, lat float64) float64 {
	i := int(lat / 15.0)
	if i < 1 {
		return coef[0]
	} else if i > 4 {
		return coef[4]
	}
	return coef[i-1]*(1.0-lat/15.0+float64(i)) + coef[i]*(lat/15.0-float64(i))
}

// herring evaluates the continued-fraction mapping form of Herring (1992).
func herring(el, a, b, c float64) float64 {
	sinel := math.Sin(el)
	return (1.0 + a/(1.0+b/(1.0+c))) / (sinel + (a / (sinel + b/(sinel+c))))
}

// Fallback broadcast ionosphere coefficients (alpha0..3, beta0..3) used when
// the caller provides none.
var ionDefault = [8]float64{
	0.1118e-7, -0.7451e-8, -0.5961e-7, 0.1192e-6,
	0.1167e+6, -0.2294e+6, -0.1311e+6, 0.1049e+7,
}

// IonoDelay returns the broadcast-model (Klobuchar) ionospheric delay [m] on
// L1 for a satellite at the given azimuth/elevation [rad]. Zero-filled
// coefficient sets fall back to nominal values.
func IonoDelay(t GTime, pos PosXYZ, azim, elev float64, ion [8]float64) float64 {
	llh := pos.ToLLH()
	if llh.Hei < -1e3 || elev <= 0 {
		tracef(1, "iono: input out of range (hei=%.0f elev=%.3f), delay set to 0\n", llh.Hei, elev)
		return 0.0
	}
	allZero := true
	for _, v := range ion {
		if v != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		ion = ionDefault
	}

	// Earth-centered angle and subionospheric pierce point (semi-circles).
	psi := 0.0137/(elev/PI+0.11) - 0.022
	phi := llh.Lat/PI + psi*math.Cos(azim)
	if phi > 0.416 {
		phi = 0.416
	} else if phi < -0.416 {
		phi = -0.416
	}
	lam := llh.Lon/PI + psi*math.Sin(azim)/math.Cos(phi*PI)

	// Geomagnetic latitude and local time.
	phi += 0.064 * math.Cos((lam-1.617)*PI)
	tt := 43200.0*lam + t.Sec
	tt -= math.Floor(tt/86400.0) * 86400.0

	// Slant factor.
	f := 1.0 + 16.0*math.Pow(0.53-elev/PI, 3.0)

	// Cosine-model amplitude and period.
	amp := ion[0] + phi*(ion[1]+phi*(ion[2]+phi*ion[3]))
	per := ion[4] + phi*(ion[5]+phi*(ion[6]+phi*ion[7]))
	if amp < 0.0 {
		amp = 0.0
	}
	if per < 72000.0 {
		per = 72000.0
	}
	x := 2.0 * PI * (tt - 50400.0) / per

	if math.Abs(x) < 1.57 {
		return C * f * (5e-9 + amp*(1.0+x*x*(-0.5+x*x/24.0)))
	}
	return C * f * 5e-9
}

// IonoFreePseudorange combines two-frequency code observations into the
// first-order ionosphere-free observable [m].
func IonoFreePseudorange(p1, f1, p2, f2 float64) float64 {
	gamma := SQ(f1 / f2)
	return (p2 - gamma*p1) / (1.0 - gamma)
}
