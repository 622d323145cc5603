package export

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoConfig struct {
	URI        string
	Database   string
	Collection string
	// Timeout bounds each insert. If 0, defaults to 5s.
	Timeout time.Duration
}

// Mongo stores one document per fix, with a GeoJSON location when the fix
// carries a position.
type Mongo struct {
	client  *mongo.Client
	coll    *mongo.Collection
	timeout time.Duration
}

func NewMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, fmt.Errorf("export: mongo uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "rtkbridge"
	}
	if cfg.Collection == "" {
		cfg.Collection = "fixes"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("export: mongo connect: %w", err)
	}
	return &Mongo{
		client:  client,
		coll:    client.Database(cfg.Database).Collection(cfg.Collection),
		timeout: cfg.Timeout,
	}, nil
}

func (m *Mongo) Name() string { return "mongo" }

func (m *Mongo) Send(ctx context.Context, f Fix) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if _, err := m.coll.InsertOne(ctx, document(f)); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func document(f Fix) bson.M {
	p := f.Parsed
	doc := bson.M{
		"seen_utc":     f.SeenUTC,
		"raw":          f.Raw,
		"utc_time":     p.UTCTime,
		"quality":      int(p.Quality),
		"quality_name": p.QualityName,
		"satellites":   p.Satellites,
	}
	if p.PositionOK {
		doc["location"] = bson.M{
			"type":        "Point",
			"coordinates": bson.A{p.LonDeg, p.LatDeg},
		}
	}
	if p.HDOP != nil {
		doc["hdop"] = *p.HDOP
	}
	if p.AltM != nil {
		doc["alt_m"] = *p.AltM
	}
	if p.DiffAgeSec != nil {
		doc["diff_age_s"] = *p.DiffAgeSec
	}
	if p.StationID != "" {
		doc["station"] = p.StationID
	}
	return doc
}
