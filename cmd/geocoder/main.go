// Command geocoder runs the local reverse geocoder: an HTTP server, a
// post-install cache warmer, and a one-shot lookup for the command line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/andreiashu/geonames"
	"github.com/andreiashu/geonames/server"
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
	With().Timestamp().Logger()

func main() {
	// A missing .env file is not an error.
	godotenv.Load()

	root := &cobra.Command{
		Use:           "geocoder",
		Short:         "Local reverse geocoder over the GeoNames dataset",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(serveCmd(), warmCmd(), lookupCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("geocoder failed")
		os.Exit(1)
	}
}

// engineFlags is the configuration surface shared by serve and lookup.
type engineFlags struct {
	dumpDir    string
	citiesFile string
	countries  []string
	admin1     bool
	admin2     bool
	admin3And4 bool
	altNames   bool
}

func (f *engineFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.dumpDir, "dump-dir", "", "directory for the on-disk dump cache")
	cmd.Flags().StringVar(&f.citiesFile, "cities-file", geonames.Cities1000, "cities dump to load (cities500|cities1000|cities5000|cities15000)")
	cmd.Flags().StringSliceVar(&f.countries, "countries", nil, "load per-country dumps instead of the cities file and allCountries")
	cmd.Flags().BoolVar(&f.admin1, "admin1", true, "load the admin1 side table")
	cmd.Flags().BoolVar(&f.admin2, "admin2", true, "load the admin2 side table")
	cmd.Flags().BoolVar(&f.admin3And4, "admin3-and-4", true, "load admin3/admin4 from allCountries (or the per-country dumps)")
	cmd.Flags().BoolVar(&f.altNames, "alternate-names", true, "load the alternate names table")
}

func (f *engineFlags) options() []geonames.Option {
	opts := []geonames.Option{
		geonames.WithCitiesFile(f.citiesFile),
		geonames.WithAdmin1(f.admin1),
		geonames.WithAdmin2(f.admin2),
		geonames.WithAdmin3And4(f.admin3And4),
		geonames.WithAlternateNames(f.altNames),
		geonames.WithLogger(log),
	}
	if f.dumpDir != "" {
		opts = append(opts, geonames.WithDumpDirectory(f.dumpDir))
	}
	if len(f.countries) > 0 {
		opts = append(opts, geonames.WithCountries(f.countries...))
	}
	return opts
}

func serveCmd() *cobra.Command {
	var addr string
	flags := &engineFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Initialize the geocoder and serve /geocode over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(log)
			httpServer := &http.Server{Addr: addr, Handler: srv.Router()}

			// The server comes up immediately so /healthcheck answers during
			// the initial dataset load; /deep-healthcheck and /geocode report
			// 503 until the engine is attached.
			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Msg("listening")
				if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			go func() {
				g, err := geonames.New(ctx, flags.options()...)
				if err != nil {
					log.Error().Err(err).Msg("geocoder initialization failed")
					errCh <- err
					return
				}
				srv.SetGeocoder(g)
				log.Info().Int("cities", g.Cities()).Msg("geocoder ready")
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				return err
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	flags.register(cmd)
	return cmd
}

// Post-install environment surface. When any of these are set, warm performs
// an eager initialization so container images ship with a hot dump cache.
const postinstallPrefix = "GEOCODER_POSTINSTALL_"

func warmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "warm",
		Short: "Eagerly download the dumps configured via GEOCODER_POSTINSTALL_* variables",
		Run: func(cmd *cobra.Command, _ []string) {
			opts, any := postinstallOptions()
			if !any {
				log.Info().Msg("no GEOCODER_POSTINSTALL_* variables set, nothing to do")
				return
			}

			opts = append(opts, geonames.WithLogger(log))
			if _, err := geonames.New(cmd.Context(), opts...); err != nil {
				if envBool(postinstallPrefix + "FAIL_SILENTLY") {
					log.Warn().Err(err).Msg("warm-up failed, ignoring (FAIL_SILENTLY)")
					return
				}
				log.Error().Err(err).Msg("warm-up failed")
				os.Exit(1)
			}
			log.Info().Msg("dump cache warmed")
		},
	}
}

// postinstallOptions maps the GEOCODER_POSTINSTALL_* variables to engine
// options and reports whether any were present.
func postinstallOptions() ([]geonames.Option, bool) {
	var opts []geonames.Option
	any := false

	if v, ok := os.LookupEnv(postinstallPrefix + "DUMP_DIRECTORY"); ok {
		opts = append(opts, geonames.WithDumpDirectory(v))
		any = true
	}
	if v, ok := os.LookupEnv(postinstallPrefix + "CITIES_FILE"); ok {
		opts = append(opts, geonames.WithCitiesFile(v))
		any = true
	}
	if v, ok := os.LookupEnv(postinstallPrefix + "COUNTRIES"); ok {
		var codes []string
		for _, cc := range strings.Split(v, ",") {
			if cc = strings.TrimSpace(cc); cc != "" {
				codes = append(codes, strings.ToUpper(cc))
			}
		}
		opts = append(opts, geonames.WithCountries(codes...))
		any = true
	}
	for env, opt := range map[string]func(bool) geonames.Option{
		"ADMIN1":          geonames.WithAdmin1,
		"ADMIN2":          geonames.WithAdmin2,
		"ADMIN3_AND_4":    geonames.WithAdmin3And4,
		"ALTERNATE_NAMES": geonames.WithAlternateNames,
	} {
		if v, ok := os.LookupEnv(postinstallPrefix + env); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				b = true
			}
			opts = append(opts, opt(b))
			any = true
		}
	}
	if _, ok := os.LookupEnv(postinstallPrefix + "FAIL_SILENTLY"); ok {
		any = true
	}
	return opts, any
}

func envBool(key string) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && b
}

func lookupCmd() *cobra.Command {
	var (
		lats       []float64
		lngs       []float64
		maxResults int
	)
	flags := &engineFlags{}

	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Reverse-geocode one or more points and print the results as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(lats) == 0 || len(lats) != len(lngs) {
				return errors.New("provide matching --latitude and --longitude values")
			}

			g, err := geonames.New(cmd.Context(), flags.options()...)
			if err != nil {
				return err
			}

			points := make([]geonames.Point, len(lats))
			for i := range lats {
				points[i] = geonames.Point{Latitude: lats[i], Longitude: lngs[i]}
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(g.LookUp(points, maxResults))
		},
	}

	cmd.Flags().Float64SliceVar(&lats, "latitude", nil, "latitude in decimal degrees (repeatable)")
	cmd.Flags().Float64SliceVar(&lngs, "longitude", nil, "longitude in decimal degrees (repeatable)")
	cmd.Flags().IntVar(&maxResults, "max-results", 1, "number of nearest cities per point")
	flags.register(cmd)
	return cmd
}
