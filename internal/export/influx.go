package export

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement is the InfluxDB measurement fixes are written to.
const Measurement = "gga"

type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Influx batches points through the client's asynchronous write API.
type Influx struct {
	client influxdb2.Client
	writer api.WriteAPI
}

func NewInflux(cfg InfluxConfig, logger *log.Logger) (*Influx, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("export: influx url is required")
	}
	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("export: influx org and bucket are required")
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, influxdb2.DefaultOptions().SetBatchSize(20))
	w := client.WriteAPI(cfg.Org, cfg.Bucket)

	in := &Influx{client: client, writer: w}
	go func() {
		for err := range w.Errors() {
			if logger != nil {
				logger.Warn("influx write", "err", err)
			}
		}
	}()
	return in, nil
}

func (in *Influx) Name() string { return "influx" }

func (in *Influx) Send(_ context.Context, f Fix) error {
	in.writer.WritePoint(point(f))
	return nil
}

// Close flushes pending points and releases the client.
func (in *Influx) Close(context.Context) error {
	in.writer.Flush()
	in.client.Close()
	return nil
}

func point(f Fix) *write.Point {
	p := f.Parsed
	tags := map[string]string{
		"quality": p.QualityName,
	}
	if p.StationID != "" {
		tags["station"] = p.StationID
	}
	fields := map[string]interface{}{
		"quality":    int(p.Quality),
		"satellites": p.Satellites,
		"raw":        f.Raw,
	}
	if p.PositionOK {
		fields["lat_deg"] = p.LatDeg
		fields["lon_deg"] = p.LonDeg
	}
	for k, v := range map[string]*float64{
		"hdop":       p.HDOP,
		"alt_m":      p.AltM,
		"geoid_m":    p.GeoidSepM,
		"diff_age_s": p.DiffAgeSec,
	} {
		if v != nil {
			fields[k] = *v
		}
	}
	return influxdb2.NewPoint(Measurement, tags, fields, f.SeenUTC)
}
