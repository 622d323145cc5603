package nmea

import (
	"fmt"

	"github.com/golang/geo/s2"
	"github.com/tzneal/coordconv"
)

// Grid is the fix position in projected coordinates.
type Grid struct {
	UTM  string `json:"utm"`
	MGRS string `json:"mgrs,omitempty"`
}

// Grid converts the fix position to UTM (1 m resolution) and MGRS (1 m
// precision). MGRS is left empty where it is undefined (polar regions).
func (f Fix) Grid() (Grid, error) {
	if !f.PositionOK {
		return Grid{}, fmt.Errorf("nmea: fix has no position")
	}
	latlng := s2.LatLngFromDegrees(f.LatDeg, f.LonDeg)

	utm, err := coordconv.DefaultUTMConverter.ConvertFromGeodetic(latlng, 0)
	if err != nil {
		return Grid{}, fmt.Errorf("utm conversion: %w", err)
	}
	out := Grid{
		UTM: fmt.Sprintf("%d%c %.0f %.0f", utm.Zone, hemisphereRune(utm.Hemisphere), utm.Easting, utm.Northing),
	}
	if mgrs, err := coordconv.DefaultMGRSConverter.ConvertFromGeodetic(latlng, 5); err == nil {
		out.MGRS = fmt.Sprint(mgrs)
	}
	return out, nil
}

func hemisphereRune(h coordconv.Hemisphere) rune {
	switch h {
	case coordconv.HemisphereNorth:
		return 'N'
	case coordconv.HemisphereSouth:
		return 'S'
	default:
		return '?'
	}
}
