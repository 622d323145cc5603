package nmea

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

type sentence struct {
	Type string
	// Fields is the comma-split payload (excluding $ and checksum).
	Fields []string
}

func parseSentence(line string) (sentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return sentence{}, fmt.Errorf("nmea: missing '$'")
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return sentence{}, fmt.Errorf("nmea: missing checksum")
	}
	payload := line[1:star]
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return sentence{}, fmt.Errorf("nmea: short checksum")
	}
	want, err := hex.DecodeString(ck[:2])
	if err != nil || len(want) != 1 {
		return sentence{}, fmt.Errorf("nmea: bad checksum")
	}
	if got := checksum(payload); got != want[0] {
		return sentence{}, fmt.Errorf("nmea: checksum mismatch got=%02X want=%02X", got, want[0])
	}

	parts := strings.Split(payload, ",")
	typeField := parts[0]
	if len(typeField) < 3 {
		return sentence{}, fmt.Errorf("nmea: short type")
	}
	// GNGGA/GPGGA etc; keep the last 3 chars.
	t := typeField[len(typeField)-3:]
	return sentence{Type: strings.ToUpper(t), Fields: parts}, nil
}

func checksum(payload string) byte {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return ck
}

// Quality is the GGA fix quality indicator.
type Quality int

const (
	QualityInvalid   Quality = 0
	QualityGPS       Quality = 1
	QualityDGPS      Quality = 2
	QualityPPS       Quality = 3
	QualityRTKFixed  Quality = 4
	QualityRTKFloat  Quality = 5
	QualityEstimated Quality = 6
	QualityManual    Quality = 7
	QualitySimulated Quality = 8
)

func (q Quality) String() string {
	switch q {
	case QualityInvalid:
		return "invalid"
	case QualityGPS:
		return "gps"
	case QualityDGPS:
		return "dgps"
	case QualityPPS:
		return "pps"
	case QualityRTKFixed:
		return "rtk-fixed"
	case QualityRTKFloat:
		return "rtk-float"
	case QualityEstimated:
		return "estimated"
	case QualityManual:
		return "manual"
	case QualitySimulated:
		return "simulated"
	default:
		return "quality-" + strconv.Itoa(int(q))
	}
}

// Fix is a decoded GGA sentence.
type Fix struct {
	UTCTime     string   `json:"utc_time"`
	LatDeg      float64  `json:"lat_deg"`
	LonDeg      float64  `json:"lon_deg"`
	PositionOK  bool     `json:"position_ok"`
	Quality     Quality  `json:"quality"`
	QualityName string   `json:"quality_name"`
	Satellites  int      `json:"satellites"`
	HDOP        *float64 `json:"hdop,omitempty"`
	AltM        *float64 `json:"alt_m,omitempty"`
	GeoidSepM   *float64 `json:"geoid_sep_m,omitempty"`
	DiffAgeSec  *float64 `json:"diff_age_sec,omitempty"`
	StationID   string   `json:"station_id,omitempty"`
}

// Parse validates the checksum and decodes the GGA fields.
//
// Fields:
//
//	0: talker+type
//	1: time (hhmmss.ss)
//	2: latitude (ddmm.mmmm)
//	3: N/S
//	4: longitude (dddmm.mmmm)
//	5: E/W
//	6: fix quality
//	7: satellites used
//	8: HDOP
//	9: altitude (meters)
//	10: units (M)
//	11: geoid separation
//	12: units (M)
//	13: age of differential data
//	14: reference station id
func (r FixRecord) Parse() (Fix, error) {
	sent, err := parseSentence(r.Raw)
	if err != nil {
		return Fix{}, err
	}
	if sent.Type != "GGA" {
		return Fix{}, fmt.Errorf("nmea: not a GGA sentence: %s", sent.Type)
	}
	f := sent.Fields
	if len(f) < 10 {
		return Fix{}, fmt.Errorf("nmea: short GGA (%d fields)", len(f))
	}

	var fix Fix
	fix.UTCTime = strings.TrimSpace(f[1])

	lat, latOK := parseLatLon(f[2], f[3])
	lon, lonOK := parseLatLon(f[4], f[5])
	if latOK && lonOK {
		fix.LatDeg = lat
		fix.LonDeg = lon
		fix.PositionOK = true
	}

	if q, err := strconv.Atoi(strings.TrimSpace(f[6])); err == nil {
		fix.Quality = Quality(q)
	}
	fix.QualityName = fix.Quality.String()
	if sats, err := strconv.Atoi(strings.TrimSpace(f[7])); err == nil {
		fix.Satellites = sats
	}
	fix.HDOP = parseFloatPtr(f[8])
	fix.AltM = parseFloatPtr(f[9])
	if len(f) > 11 {
		fix.GeoidSepM = parseFloatPtr(f[11])
	}
	if len(f) > 13 {
		fix.DiffAgeSec = parseFloatPtr(f[13])
	}
	if len(f) > 14 {
		fix.StationID = strings.TrimSpace(f[14])
	}
	return fix, nil
}

func parseFloatPtr(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// parseLatLon parses NMEA lat/lon in ddmm.mmmm or dddmm.mmmm plus hemisphere.
func parseLatLon(v string, hemi string) (float64, bool) {
	v = strings.TrimSpace(v)
	hemi = strings.TrimSpace(strings.ToUpper(hemi))
	if v == "" || (hemi != "N" && hemi != "S" && hemi != "E" && hemi != "W") {
		return 0, false
	}

	// The last two digits of the integer part are minutes.
	dot := strings.IndexByte(v, '.')
	intPart := v
	if dot != -1 {
		intPart = v[:dot]
	}
	if len(intPart) < 3 {
		return 0, false
	}

	degPart := intPart[:len(intPart)-2]
	minPart := v[len(intPart)-2:]

	deg, err := strconv.Atoi(degPart)
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(minPart, 64)
	if err != nil {
		return 0, false
	}

	dec := float64(deg) + (mins / 60.0)
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return dec, true
}
