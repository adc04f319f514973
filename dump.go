package geonames

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// DefaultBaseURL is the GeoNames dump export root.
const DefaultBaseURL = "https://download.geonames.org/export/dump"

// dumpSpec names one GeoNames source file.
type dumpSpec struct {
	base    string // base name, e.g. "cities1000"
	archive string // remote file, either "<base>.zip" or "<base>.txt"
	inner   string // entry to extract when archive is a zip
	folder  string // subdirectory of the dump directory, e.g. "cities"
}

// dumpCache fetches GeoNames dump files and caches them on disk, keyed by the
// current UTC day. Only init mutates the dump directory.
type dumpCache struct {
	baseURL string
	dir     string
	client  *http.Client
	log     zerolog.Logger
	now     func() time.Time
}

// httpClient is the shared client for dump downloads. The generous timeout
// covers allCountries.zip, which is several hundred MB.
var httpClient = &http.Client{
	Timeout: 30 * time.Minute,
}

func newDumpCache(baseURL, dir string, client *http.Client, log zerolog.Logger) *dumpCache {
	if client == nil {
		client = httpClient
	}
	return &dumpCache{
		baseURL: baseURL,
		dir:     dir,
		client:  client,
		log:     log,
		now:     time.Now,
	}
}

// get returns a local path whose contents match the upstream dump file for
// the current UTC day, downloading and extracting it if needed.
func (dc *dumpCache) get(ctx context.Context, spec dumpSpec) (string, error) {
	folder := filepath.Join(dc.dir, spec.folder)
	today := dc.now().UTC().Format("2006-01-02")
	daily := filepath.Join(folder, spec.base+"_"+today+".txt")

	if _, err := os.Stat(daily); err == nil {
		dc.log.Debug().Str("file", daily).Msg("dump cache hit")
		return daily, nil
	}

	// Stable cache name without the day stamp, used by pre-warmed images.
	stable := filepath.Join(folder, spec.base+".txt")
	if _, err := os.Stat(stable); err == nil {
		dc.log.Debug().Str("file", stable).Msg("stable dump cache hit")
		return stable, nil
	}

	if err := os.MkdirAll(folder, 0755); err != nil {
		return "", fmt.Errorf("creating dump directory: %w", err)
	}

	url := dc.baseURL + "/" + spec.archive
	if spec.inner != "" {
		if err := dc.fetchZip(ctx, url, spec.inner, daily); err != nil {
			return "", err
		}
	} else {
		if err := dc.fetchPlain(ctx, url, daily); err != nil {
			return "", err
		}
	}

	// Only the current day's file is retained.
	dc.housekeep(folder, filepath.Base(daily))

	return daily, nil
}

// fetchPlain streams a .txt dump straight to the target path.
func (dc *dumpCache) fetchPlain(ctx context.Context, url, target string) error {
	body, err := dc.open(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close()

	n, err := writeFile(target, body)
	if err != nil {
		return err
	}
	dc.log.Info().Str("url", url).Str("size", humanize.Bytes(uint64(n))).Msg("dump downloaded")
	return nil
}

// fetchZip downloads a zip archive to a temporary file and extracts the
// single entry whose path equals inner. The archive must contain exactly one
// matching entry; everything else is discarded with the temp file.
func (dc *dumpCache) fetchZip(ctx context.Context, url, inner, target string) error {
	body, err := dc.open(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), "geonames-*.zip")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	dc.log.Info().Str("url", url).Str("size", humanize.Bytes(uint64(n))).Msg("archive downloaded")

	rz, err := zip.OpenReader(tmpPath)
	if err != nil {
		return fmt.Errorf("opening archive %s: %w", url, err)
	}
	defer rz.Close()

	var entry *zip.File
	found := 0
	for _, f := range rz.File {
		if f.Name == inner {
			entry = f
			found++
		}
	}
	if found != 1 {
		return fmt.Errorf("archive %s: expected %s, found %d file(s)", url, inner, found)
	}

	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("opening %s in archive: %w", inner, err)
	}
	defer rc.Close()

	if _, err := writeFile(target, rc); err != nil {
		return err
	}
	return nil
}

// open issues the GET and checks the status before handing back the body.
func (dc *dumpCache) open(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	resp, err := dc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP GET %s: status %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}

// writeFile streams r to path, removing the partial file on error so a failed
// download never satisfies a later cache probe.
func writeFile(path string, r io.Reader) (int64, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating file %s: %w", path, err)
	}

	success := false
	defer func() {
		out.Close()
		if !success {
			os.Remove(path)
		}
	}()

	n, err := io.Copy(out, r)
	if err != nil {
		return 0, fmt.Errorf("writing file %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("closing file %s: %w", path, err)
	}
	success = true
	return n, nil
}

// housekeep removes every file in folder other than keep.
func (dc *dumpCache) housekeep(folder, keep string) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		dc.log.Warn().Err(err).Str("folder", folder).Msg("dump housekeeping skipped")
		return
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == keep {
			continue
		}
		if err := os.Remove(filepath.Join(folder, e.Name())); err != nil {
			dc.log.Warn().Err(err).Str("file", e.Name()).Msg("removing stale dump failed")
		}
	}
}
