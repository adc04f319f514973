// Package geonames is an in-process reverse geocoder over the GeoNames
// public dataset. Given one or more points it returns the nearest city (or k
// nearest cities), decorated with the administrative hierarchy
// (country → admin1 → admin2 → admin3 → admin4) and language-specific
// alternate names.
//
// No network call is made at query time: the five GeoNames dump files are
// fetched once per UTC day, cached on disk, and held in memory behind a k-d
// tree over the cities' unit-sphere positions; reported distances are
// haversine kilometers.
//
//	g, err := geonames.New(ctx, geonames.WithDumpDirectory("/var/lib/geonames"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	results := g.LookUp([]geonames.Point{{Latitude: 48.46, Longitude: 9.13}}, 1)
package geonames

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Cities file overrides accepted by WithCitiesFile. The number is the
// minimum population of the cities included in the dump.
const (
	Cities500   = "cities500"
	Cities1000  = "cities1000"
	Cities5000  = "cities5000"
	Cities15000 = "cities15000"
)

var validCitiesFiles = map[string]bool{
	Cities500:   true,
	Cities1000:  true,
	Cities5000:  true,
	Cities15000: true,
}

// ErrBadPoint is returned by ParsePoint for non-finite or non-numeric
// coordinates.
var ErrBadPoint = errors.New("geonames: latitude and longitude must be finite numbers")

// Point is a WGS-84 coordinate pair in decimal degrees.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// valid reports whether both coordinates are finite. Out-of-range finite
// values still query; the index is continuous across the poles and the seam.
func (p Point) valid() bool {
	return !math.IsNaN(p.Latitude) && !math.IsInf(p.Latitude, 0) &&
		!math.IsNaN(p.Longitude) && !math.IsInf(p.Longitude, 0)
}

// ParsePoint coerces decimal-string coordinates to a Point. It is the
// convenience layer for boundaries that accept strings; the engine itself
// takes normalized floats.
func ParsePoint(lat, lng string) (Point, error) {
	la, err1 := strconv.ParseFloat(lat, 64)
	ln, err2 := strconv.ParseFloat(lng, 64)
	if err1 != nil || err2 != nil {
		return Point{}, ErrBadPoint
	}
	p := Point{Latitude: la, Longitude: ln}
	if !p.valid() {
		return Point{}, ErrBadPoint
	}
	return p, nil
}

// Config contains the loader configuration. All fields are optional.
type Config struct {
	// DumpDirectory is the on-disk cache root. Defaults to
	// "<cwd>/geonames_dump".
	DumpDirectory string
	// CitiesFile selects the cities dump. Defaults to Cities1000.
	CitiesFile string
	// Countries, when non-empty, loads the per-country dumps listed instead
	// of the cities file and the allCountries dump; the admin3/admin4
	// tables are then extracted from the per-country files.
	Countries []string
	// LoadAdmin1 etc. control which side tables are loaded. Disabled tables
	// silently skip their decoration step at query time.
	LoadAdmin1         bool
	LoadAdmin2         bool
	LoadAdmin3And4     bool
	LoadAlternateNames bool
	// BaseURL is the GeoNames export root. Defaults to DefaultBaseURL.
	BaseURL string
	// HTTPClient overrides the shared download client.
	HTTPClient *http.Client
	// Logger receives progress and warning events. Defaults to a no-op
	// logger.
	Logger zerolog.Logger
}

// Option is a functional option for configuring the geocoder.
type Option func(*Config)

// WithDumpDirectory sets the on-disk cache root.
func WithDumpDirectory(dir string) Option {
	return func(c *Config) { c.DumpDirectory = dir }
}

// WithCitiesFile substitutes the cities dump (Cities500 ... Cities15000).
func WithCitiesFile(name string) Option {
	return func(c *Config) { c.CitiesFile = name }
}

// WithCountries loads per-country dumps instead of the cities file and the
// allCountries dump.
func WithCountries(codes ...string) Option {
	return func(c *Config) { c.Countries = codes }
}

// WithAdmin1 toggles the admin1 side table.
func WithAdmin1(load bool) Option {
	return func(c *Config) { c.LoadAdmin1 = load }
}

// WithAdmin2 toggles the admin2 side table.
func WithAdmin2(load bool) Option {
	return func(c *Config) { c.LoadAdmin2 = load }
}

// WithAdmin3And4 toggles the admin3/admin4 side tables, extracted from the
// allCountries dump, or from the per-country dumps when WithCountries is set.
func WithAdmin3And4(load bool) Option {
	return func(c *Config) { c.LoadAdmin3And4 = load }
}

// WithAlternateNames toggles the alternate names table.
func WithAlternateNames(load bool) Option {
	return func(c *Config) { c.LoadAlternateNames = load }
}

// WithBaseURL overrides the GeoNames download root.
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithHTTPClient overrides the download client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) { c.HTTPClient = client }
}

// WithLogger sets the logger the engine reports progress to.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Config) { c.Logger = log }
}

func defaultConfig() *Config {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return &Config{
		DumpDirectory:      filepath.Join(cwd, "geonames_dump"),
		CitiesFile:         Cities1000,
		LoadAdmin1:         true,
		LoadAdmin2:         true,
		LoadAdmin3And4:     true,
		LoadAlternateNames: true,
		BaseURL:            DefaultBaseURL,
		Logger:             zerolog.Nop(),
	}
}

func (c *Config) validate() error {
	if !validCitiesFiles[c.CitiesFile] {
		return fmt.Errorf("geonames: unknown cities file %q", c.CitiesFile)
	}
	for _, cc := range c.Countries {
		if len(cc) != 2 || cc[0] < 'A' || cc[0] > 'Z' || cc[1] < 'A' || cc[1] > 'Z' {
			return fmt.Errorf("geonames: invalid country code %q", cc)
		}
	}
	return nil
}

// Geocoder is the reverse-geocoding engine. It is built once by New and is
// safe for concurrent reads afterwards; the index and side tables are never
// mutated after construction.
type Geocoder struct {
	cfg      *Config
	index    *cityIndex
	admin1   adminTable
	admin2   adminTable
	admin3   adminTable
	admin4   adminTable
	altNames altNamesTable
}

// New fetches, parses, and indexes the configured GeoNames datasets. The five
// dataset pipelines (cities, admin1, admin2, allCountries, alternateNames)
// run concurrently; New returns once every enabled pipeline has completed, or
// with the first pipeline error. After an error the returned geocoder is nil
// and no partial state is retained.
func New(ctx context.Context, opts ...Option) (*Geocoder, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	g := &Geocoder{cfg: cfg}
	dc := newDumpCache(cfg.BaseURL, cfg.DumpDirectory, cfg.HTTPClient, cfg.Logger)

	eg, ctx := errgroup.WithContext(ctx)

	// Cities corpus. With per-country dumps each country gets its own
	// pipeline; the code is passed by value so concurrent pipelines never
	// share loop state. The per-country files replace the allCountries dump
	// too: when admin3/admin4 is enabled, those tables are extracted from
	// the same files instead of fetching the global dataset.
	var cities []City
	var countrySlots [][]City
	var countryAdmin3, countryAdmin4 []adminTable
	if len(cfg.Countries) > 0 {
		countrySlots = make([][]City, len(cfg.Countries))
		if cfg.LoadAdmin3And4 {
			countryAdmin3 = make([]adminTable, len(cfg.Countries))
			countryAdmin4 = make([]adminTable, len(cfg.Countries))
		}
		for i, cc := range cfg.Countries {
			eg.Go(func() error {
				path, err := dc.get(ctx, dumpSpec{
					base:    cc,
					archive: cc + ".zip",
					inner:   cc + ".txt",
					folder:  cc,
				})
				if err != nil {
					return err
				}
				if countrySlots[i], err = parseCities(path, cfg.Logger); err != nil {
					return err
				}
				if cfg.LoadAdmin3And4 {
					countryAdmin3[i], countryAdmin4[i], err = parseAdmin3And4(path, cfg.Logger)
				}
				return err
			})
		}
	} else {
		eg.Go(func() error {
			path, err := dc.get(ctx, dumpSpec{
				base:    cfg.CitiesFile,
				archive: cfg.CitiesFile + ".zip",
				inner:   cfg.CitiesFile + ".txt",
				folder:  "cities",
			})
			if err != nil {
				return err
			}
			cities, err = parseCities(path, cfg.Logger)
			return err
		})
	}

	if cfg.LoadAdmin1 {
		eg.Go(func() error {
			path, err := dc.get(ctx, dumpSpec{
				base:    "admin1CodesASCII",
				archive: "admin1CodesASCII.txt",
				folder:  "admin1_codes",
			})
			if err != nil {
				return err
			}
			g.admin1, err = parseAdminCodes(path)
			return err
		})
	}
	if cfg.LoadAdmin2 {
		eg.Go(func() error {
			path, err := dc.get(ctx, dumpSpec{
				base:    "admin2Codes",
				archive: "admin2Codes.txt",
				folder:  "admin2_codes",
			})
			if err != nil {
				return err
			}
			g.admin2, err = parseAdminCodes(path)
			return err
		})
	}
	if cfg.LoadAdmin3And4 && len(cfg.Countries) == 0 {
		eg.Go(func() error {
			path, err := dc.get(ctx, dumpSpec{
				base:    "allCountries",
				archive: "allCountries.zip",
				inner:   "allCountries.txt",
				folder:  "all_countries",
			})
			if err != nil {
				return err
			}
			g.admin3, g.admin4, err = parseAdmin3And4(path, cfg.Logger)
			return err
		})
	}
	if cfg.LoadAlternateNames {
		eg.Go(func() error {
			path, err := dc.get(ctx, dumpSpec{
				base:    "alternateNames",
				archive: "alternateNames.zip",
				inner:   "alternateNames.txt",
				folder:  "alternate_names",
			})
			if err != nil {
				return err
			}
			g.altNames, err = parseAlternateNames(path, cfg.Logger)
			return err
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	// Per-country corpora are concatenated in configuration order so tree
	// construction stays deterministic regardless of pipeline timing.
	for _, s := range countrySlots {
		cities = append(cities, s...)
	}
	if countryAdmin3 != nil {
		g.admin3 = make(adminTable)
		g.admin4 = make(adminTable)
		for i := range countryAdmin3 {
			for k, v := range countryAdmin3[i] {
				g.admin3[k] = v
			}
			for k, v := range countryAdmin4[i] {
				g.admin4[k] = v
			}
		}
	}

	g.index = newCityIndex(cities)
	cfg.Logger.Info().Int("cities", len(cities)).Msg("geocoder ready")
	return g, nil
}

// Cities returns the size of the indexed corpus.
func (g *Geocoder) Cities() int {
	return len(g.index.cities)
}

// LookUpPoint reverse-geocodes a single point, returning up to maxResults
// cities ordered nearest-first. A non-finite point yields nil.
func (g *Geocoder) LookUpPoint(p Point, maxResults int) []GeocodedCity {
	return g.LookUp([]Point{p}, maxResults)[0]
}

// LookUp reverse-geocodes a batch of points. The result is aligned 1-to-1
// with the input: element i holds up to maxResults decorated city records for
// points[i], ordered nearest-first. A point with non-finite coordinates
// yields a nil element; the rest of the batch is unaffected. maxResults
// values below 1 are treated as 1.
func (g *Geocoder) LookUp(points []Point, maxResults int) [][]GeocodedCity {
	if maxResults < 1 {
		maxResults = 1
	}

	results := make([][]GeocodedCity, len(points))
	for i, p := range points {
		if !p.valid() {
			continue
		}
		hits := g.index.nearest(p.Latitude, p.Longitude, maxResults)
		decorated := make([]GeocodedCity, len(hits))
		for j, h := range hits {
			decorated[j] = g.decorate(g.index.cities[h.idx], h.km)
		}
		results[i] = decorated
	}
	return results
}

// decorate splices the administrative hierarchy and alternate names into a
// hit. The concatenated lookup keys are always built from the raw code
// strings of the city record, not from any already-substituted value.
func (g *Geocoder) decorate(c City, km float64) GeocodedCity {
	cc, a1, a2, a3, a4 := c.CountryCode, c.Admin1Code, c.Admin2Code, c.Admin3Code, c.Admin4Code

	r := GeocodedCity{
		GeoNameID:        c.GeoNameID,
		Name:             c.Name,
		AsciiName:        c.AsciiName,
		AlternateNames:   NullString(c.AlternateNames),
		Latitude:         c.Latitude,
		Longitude:        c.Longitude,
		FeatureClass:     c.FeatureClass,
		FeatureCode:      c.FeatureCode,
		CountryCode:      c.CountryCode,
		CC2:              NullString(c.CC2),
		Admin1Code:       AdminCode{Raw: a1},
		Admin2Code:       AdminCode{Raw: a2},
		Admin3Code:       AdminCode{Raw: a3},
		Admin4Code:       AdminCode{Raw: a4},
		Population:       c.Population,
		Elevation:        NullString(c.Elevation),
		DEM:              c.DEM,
		Timezone:         c.Timezone,
		ModificationDate: c.ModificationDate,
		Distance:         km,
	}

	if g.admin1 != nil {
		if e, ok := g.admin1[cc+"."+a1]; ok {
			r.Admin1Code.Entry = &e
		}
	}
	if g.admin2 != nil {
		if e, ok := g.admin2[cc+"."+a1+"."+a2]; ok {
			r.Admin2Code.Entry = &e
		}
	}
	if g.admin3 != nil {
		if e, ok := g.admin3[cc+"."+a1+"."+a2+"."+a3]; ok {
			r.Admin3Code.Entry = &e
		}
	}
	if g.admin4 != nil {
		if e, ok := g.admin4[cc+"."+a1+"."+a2+"."+a3+"."+a4]; ok {
			r.Admin4Code.Entry = &e
		}
	}
	if g.altNames != nil {
		if names, ok := g.altNames[c.GeoNameID]; ok {
			r.AlternateName = names
		}
	}
	return r
}

// Default singleton. The package-level LookUp initializes it lazily with
// defaultOptions on first use; callers that arrive during initialization
// block until it completes and then run their lookups concurrently, with no
// order imposed among them.
var (
	defaultGeocoder *Geocoder
	defaultErr      error
	defaultOnce     sync.Once
	defaultMu       sync.Mutex
	defaultOptions  []Option
)

// SetDefaultOptions configures the options used when the default geocoder is
// initialized lazily. It has no effect once the default has been built.
func SetDefaultOptions(opts ...Option) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultOptions = opts
}

// Default returns the shared geocoder, initializing it on first call.
func Default(ctx context.Context) (*Geocoder, error) {
	defaultOnce.Do(func() {
		defaultMu.Lock()
		opts := defaultOptions
		defaultMu.Unlock()
		defaultGeocoder, defaultErr = New(ctx, opts...)
	})
	return defaultGeocoder, defaultErr
}

// LookUp reverse-geocodes a batch against the shared geocoder, initializing
// it on first use with the options given to SetDefaultOptions (all defaults
// if none were set).
func LookUp(ctx context.Context, points []Point, maxResults int) ([][]GeocodedCity, error) {
	g, err := Default(ctx)
	if err != nil {
		return nil, err
	}
	return g.LookUp(points, maxResults), nil
}
