package geonames

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// adminTable maps a concatenated administrative code ("DE.01", "DE.01.083",
// "DE.01.083.08416", ...) to its hierarchy entry. GeoNames guarantees the
// concatenated code is unique per level.
type adminTable map[string]AdminEntry

// altNamesTable maps geoNameId -> isoLanguage -> alternate name.
type altNamesTable map[string]map[string]AltName

// scanner returns a line scanner sized for GeoNames dumps, whose alternate
// name columns routinely exceed the default token limit.
func scanner(f *os.File) *bufio.Scanner {
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return s
}

// cityRowTabs is the tab count of a complete 19-column row.
const cityRowTabs = 18

// parseCities decodes a cities dump into city records. Unlike the other
// dumps, which stream line by line, the cities file is read into a buffer and
// decoded row-wise: its fields can contain embedded newlines, so adjacent
// line fragments are re-merged until they add up to a full 19-column row.
// Rows whose latitude or longitude do not parse as finite in-range floats are
// skipped, not fatal. GeoNames files contain unescaped quotes, so the fields
// are split on tabs with no quote processing.
func parseCities(path string, log zerolog.Logger) ([]City, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cities dump: %w", err)
	}

	var cities []City
	emit := func(row string) {
		fields := strings.SplitN(row, "\t", 19)
		if len(fields) != 19 {
			return
		}

		lat, errLat := strconv.ParseFloat(fields[4], 64)
		lng, errLng := strconv.ParseFloat(fields[5], 64)
		if errLat != nil || errLng != nil ||
			math.IsNaN(lat) || math.IsInf(lat, 0) ||
			math.IsNaN(lng) || math.IsInf(lng, 0) ||
			lat < -90 || lat > 90 || lng < -180 || lng > 180 {
			return
		}

		cities = append(cities, City{
			GeoNameID:        fields[0],
			Name:             fields[1],
			AsciiName:        fields[2],
			AlternateNames:   fields[3],
			Latitude:         fields[4],
			Longitude:        fields[5],
			FeatureClass:     fields[6],
			FeatureCode:      fields[7],
			CountryCode:      fields[8],
			CC2:              fields[9],
			Admin1Code:       fields[10],
			Admin2Code:       fields[11],
			Admin3Code:       fields[12],
			Admin4Code:       fields[13],
			Population:       fields[14],
			Elevation:        fields[15],
			DEM:              fields[16],
			Timezone:         fields[17],
			ModificationDate: fields[18],
			lat:              lat,
			lng:              lng,
		})
	}

	pending := ""
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSuffix(line, "\r")
		cand := line
		if pending != "" {
			cand = pending + "\n" + line
		}
		switch tabs := strings.Count(cand, "\t"); {
		case tabs == cityRowTabs:
			emit(cand)
			pending = ""
		case tabs < cityRowTabs:
			// A row fragment ending in an embedded newline; keep merging
			// until the columns add up.
			pending = cand
		default:
			// Overshot: the accumulated prefix was malformed, not a
			// fragment. Retry the current line on its own.
			pending = ""
			if n := strings.Count(line, "\t"); n == cityRowTabs {
				emit(line)
			} else if n < cityRowTabs {
				pending = line
			}
		}
	}
	// A trailing fragment that never completed is dropped.

	log.Info().Str("file", path).Int("cities", len(cities)).Msg("cities dump parsed")
	return cities, nil
}

// parseAdminCodes decodes an admin1 or admin2 code file (shared 4-column
// schema) into a table keyed on the concatenated code in column 0.
func parseAdminCodes(path string) (adminTable, error) {
	fi, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening admin codes: %w", err)
	}
	defer fi.Close()

	table := make(adminTable)
	sc := scanner(fi)
	for sc.Scan() {
		fields := strings.SplitN(sc.Text(), "\t", 4)
		if len(fields) != 4 || fields[0] == "" {
			continue
		}
		table[fields[0]] = AdminEntry{
			Name:      fields[1],
			AsciiName: fields[2],
			GeoNameID: fields[3],
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading admin codes: %w", err)
	}
	return table, nil
}

// progressEvery is the allCountries row interval between progress log lines.
const progressEvery = 100_000

// parseAdmin3And4 scans the allCountries dump and retains only ADM3 and ADM4
// rows, keyed on the dotted concatenation of their country and admin codes.
func parseAdmin3And4(path string, log zerolog.Logger) (adminTable, adminTable, error) {
	fi, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening allCountries dump: %w", err)
	}
	defer fi.Close()

	admin3 := make(adminTable)
	admin4 := make(adminTable)
	rows := 0
	sc := scanner(fi)
	for sc.Scan() {
		rows++
		if rows%progressEvery == 0 {
			log.Info().Int("rows", rows).Msg("scanning allCountries")
		}
		fields := strings.SplitN(sc.Text(), "\t", 19)
		if len(fields) != 19 {
			continue
		}

		entry := AdminEntry{
			Name:      fields[1],
			AsciiName: fields[2],
			GeoNameID: fields[0],
		}
		switch fields[7] {
		case "ADM3":
			key := fields[8] + "." + fields[10] + "." + fields[11] + "." + fields[12]
			admin3[key] = entry
		case "ADM4":
			key := fields[8] + "." + fields[10] + "." + fields[11] + "." + fields[12] + "." + fields[13]
			admin4[key] = entry
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading allCountries dump: %w", err)
	}

	log.Info().Int("rows", rows).Int("admin3", len(admin3)).Int("admin4", len(admin4)).
		Msg("allCountries dump parsed")
	return admin3, admin4, nil
}

// altFlag is the GeoNames presence-based boolean: the flag column is set
// unless it is empty or "0".
func altFlag(col string) bool {
	return col != "" && col != "0"
}

// parseAlternateNames decodes the 8-column alternate names dump. Rows with an
// empty isoLanguage column are dropped.
func parseAlternateNames(path string, log zerolog.Logger) (altNamesTable, error) {
	fi, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening alternate names dump: %w", err)
	}
	defer fi.Close()

	table := make(altNamesTable)
	sc := scanner(fi)
	for sc.Scan() {
		fields := strings.SplitN(sc.Text(), "\t", 8)
		if len(fields) != 8 {
			continue
		}
		geoNameID, lang := fields[1], fields[2]
		if lang == "" {
			continue
		}
		byLang := table[geoNameID]
		if byLang == nil {
			byLang = make(map[string]AltName)
			table[geoNameID] = byLang
		}
		byLang[lang] = AltName{
			Name:            fields[3],
			IsPreferredName: altFlag(fields[4]),
			IsShortName:     altFlag(fields[5]),
			IsColloquial:    altFlag(fields[6]),
			IsHistoric:      altFlag(fields[7]),
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading alternate names dump: %w", err)
	}

	log.Info().Str("file", path).Int("entries", len(table)).Msg("alternate names parsed")
	return table, nil
}
