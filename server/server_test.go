package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreiashu/geonames"
)

const citiesFixture = "" +
	"2918752\tGomaringen\tGomaringen\tGomaringa\t48.45344\t9.09311\tP\tPPL\tDE\t\t01\t083\t08416\t08416036\t8752\t\t437\tEurope/Berlin\t2019-09-05\n" +
	"3130516\tAlbons\tAlbons\t\t42.10486\t3.08586\tP\tPPL\tES\t\t56\tGI\t\t\t595\t\t10\tEurope/Madrid\t2012-03-04\n"

const admin1Fixture = "" +
	"DE.01\tBaden-Württemberg\tBaden-Wuerttemberg\t2953481\n" +
	"ES.56\tCatalonia\tCatalonia\t3336901\n"

// testGeocoder builds an engine from stable-cache fixtures, with only the
// admin1 side table enabled.
func testGeocoder(t *testing.T) *geonames.Geocoder {
	t.Helper()
	dir := t.TempDir()
	for path, content := range map[string]string{
		filepath.Join(dir, "cities", "cities1000.txt"):             citiesFixture,
		filepath.Join(dir, "admin1_codes", "admin1CodesASCII.txt"): admin1Fixture,
	} {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}

	g, err := geonames.New(context.Background(),
		geonames.WithDumpDirectory(dir),
		geonames.WithBaseURL("http://127.0.0.1:0"),
		geonames.WithAdmin2(false),
		geonames.WithAdmin3And4(false),
		geonames.WithAlternateNames(false),
	)
	require.NoError(t, err)
	return g
}

func readyServer(t *testing.T) http.Handler {
	t.Helper()
	s := New(zerolog.Nop())
	s.SetGeocoder(testGeocoder(t))
	return s.Router()
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthcheckAlwaysOK(t *testing.T) {
	s := New(zerolog.Nop())
	rec := get(t, s.Router(), "/healthcheck")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeepHealthcheckReflectsReadiness(t *testing.T) {
	s := New(zerolog.Nop())
	router := s.Router()

	rec := get(t, router, "/deep-healthcheck")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.SetGeocoder(testGeocoder(t))
	rec = get(t, router, "/deep-healthcheck")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGeocodeBeforeReady(t *testing.T) {
	s := New(zerolog.Nop())
	rec := get(t, s.Router(), "/geocode?latitude=48.466667&longitude=9.133333")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGeocodeSinglePoint(t *testing.T) {
	h := readyServer(t)
	rec := get(t, h, "/geocode?latitude=48.466667&longitude=9.133333")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var results [][]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	require.Len(t, results[0], 1)

	hit := results[0][0]
	assert.Equal(t, "Gomaringen", hit["name"])
	// admin1 resolved to an object on the wire, admin2 left a bare string.
	admin1, ok := hit["admin1Code"].(map[string]any)
	require.True(t, ok, "admin1Code should be an object, got %T", hit["admin1Code"])
	assert.Equal(t, "Baden-Württemberg", admin1["name"])
	assert.Equal(t, "083", hit["admin2Code"])
	assert.InDelta(t, 3.3106, hit["distance"].(float64), 0.001)
}

func TestGeocodeBatchWithMaxResults(t *testing.T) {
	h := readyServer(t)
	rec := get(t, h, "/geocode?latitude=48.466667&longitude=9.133333&latitude=42.083333&longitude=3.1&maxResults=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var results [][]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Equal(t, "Gomaringen", results[0][0]["name"])
	assert.Equal(t, "Albons", results[1][0]["name"])
}

func TestGeocodeValidation(t *testing.T) {
	h := readyServer(t)
	tests := []struct {
		name   string
		target string
	}{
		{"missing longitude", "/geocode?latitude=48.4"},
		{"missing both", "/geocode"},
		{"count mismatch", "/geocode?latitude=48.4&latitude=42.0&longitude=9.1"},
		{"non-numeric", "/geocode?latitude=abc&longitude=9.1"},
		{"non-finite", "/geocode?latitude=NaN&longitude=9.1"},
		{"bad maxResults", "/geocode?latitude=48.4&longitude=9.1&maxResults=zero"},
		{"negative maxResults", "/geocode?latitude=48.4&longitude=9.1&maxResults=-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, h, tt.target)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}
