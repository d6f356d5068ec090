// Command validate checks a postal code boundary dataset before it is used as
// BOUNDARY_GEOJSON. It verifies feature integrity, postal code
// classification, polygon overlaps, and optionally that known landmarks
// resolve to the expected arrondissement.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -geojson data/mock/paris_grid.geojson \
//	  -landmarks data/mock/landmarks.csv
//
// The landmarks CSV has the header lat,lon,arrondissement.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/couchcryptid/arrondissement-locator/internal/adapter/boundary"
	"github.com/couchcryptid/arrondissement-locator/internal/domain"
	"github.com/couchcryptid/arrondissement-locator/internal/observability"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// overlapSamples is the number of probe points per axis for the overlap check.
const overlapSamples = 120

// maxErrorsPerPhase bounds the detail printed for a failing phase.
const maxErrorsPerPhase = 25

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

type landmark struct {
	lineNum        int
	point          domain.Coordinates
	arrondissement int
}

func main() {
	geojsonPath := flag.String("geojson", "", "path to the boundary GeoJSON FeatureCollection")
	landmarksPath := flag.String("landmarks", "", "optional CSV of lat,lon,arrondissement expectations")
	flag.Parse()

	if *geojsonPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*geojsonPath, *landmarksPath); code != 0 {
		os.Exit(code)
	}
}

func run(geojsonPath, landmarksPath string) int {
	fmt.Println("=== Boundary Dataset Validation ===")
	fmt.Println()

	data, err := os.ReadFile(geojsonPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: read GeoJSON: %v\n", err)
		return 1
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: parse GeoJSON: %v\n", err)
		return 1
	}

	phases := []*phase{
		validateFeatures(fc),
		validateClassification(fc),
		validateOverlaps(fc),
	}

	if landmarksPath != "" {
		landmarks, err := loadLandmarks(landmarksPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: load landmarks: %v\n", err)
			return 1
		}
		phases = append(phases, validateLandmarks(data, landmarks))
	}

	// ── Report results ──
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}
	fmt.Println()
	fmt.Printf("Features: %d\n", len(fc.Features))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			if i == maxErrorsPerPhase {
				fmt.Printf("  ... %d more\n", len(p.errors)-i)
				break
			}
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// ── Phase 1: Feature integrity ──

func validateFeatures(fc *geojson.FeatureCollection) *phase {
	p := &phase{name: "Phase 1: Feature Integrity"}
	if len(fc.Features) == 0 {
		p.errorf("collection has no features")
	}
	for i, f := range fc.Features {
		if boundary.PostalCode(f) == "" {
			p.errorf("feature %d: no postal code property (%s)", i, strings.Join(boundary.PostalCodeProperties, ", "))
		}
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			checkPolygon(p, i, g)
		case orb.MultiPolygon:
			for _, poly := range g {
				checkPolygon(p, i, poly)
			}
		default:
			p.errorf("feature %d: geometry %T is not a polygon", i, f.Geometry)
		}
	}
	return p
}

func checkPolygon(p *phase, i int, poly orb.Polygon) {
	if len(poly) == 0 {
		p.errorf("feature %d: polygon has no rings", i)
		return
	}
	for r, ring := range poly {
		if len(ring) < 4 {
			p.errorf("feature %d ring %d: %d points, need at least 4", i, r, len(ring))
			continue
		}
		if !ring.Closed() {
			p.errorf("feature %d ring %d: not closed", i, r)
		}
	}
	if planar.Area(poly) == 0 {
		p.errorf("feature %d: polygon has zero area", i)
	}
}

// ── Phase 2: Classification ──

func validateClassification(fc *geojson.FeatureCollection) *phase {
	p := &phase{name: "Phase 2: Postal Code Classification"}

	seen := map[int]int{}
	counts := map[domain.ClassificationKind]int{}
	for i, f := range fc.Features {
		code := boundary.PostalCode(f)
		if code == "" {
			continue
		}
		c := domain.ClassifyPostalCode(code)
		counts[c.Kind]++
		switch c.Kind {
		case domain.KindUnparsablePostalCode:
			p.errorf("feature %d: postal code %q has no numeric district", i, code)
		case domain.KindArrondissement:
			if !c.InParisRange() {
				p.errorf("feature %d: postal code %q maps to district %d, outside 1-20", i, code, c.Arrondissement)
			}
			if prev, dup := seen[c.Arrondissement]; dup {
				fmt.Printf("  Note: district %d appears in features %d and %d\n", c.Arrondissement, prev, i)
			} else {
				seen[c.Arrondissement] = i
			}
		}
	}

	for n := 1; n <= 20; n++ {
		if _, ok := seen[n]; !ok {
			p.errorf("no feature covers arrondissement %d", n)
		}
	}
	fmt.Printf("  Classified: %d arrondissement, %d other postal codes\n",
		counts[domain.KindArrondissement], counts[domain.KindNotParisCode])
	return p
}

// ── Phase 3: Overlaps ──

func validateOverlaps(fc *geojson.FeatureCollection) *phase {
	p := &phase{name: "Phase 3: Polygon Overlaps"}

	var bound orb.Bound
	var areas []*geojson.Feature
	for _, f := range fc.Features {
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			continue
		}
		if len(areas) == 0 {
			bound = f.Geometry.Bound()
		} else {
			bound = bound.Union(f.Geometry.Bound())
		}
		areas = append(areas, f)
	}
	if len(areas) == 0 {
		return p
	}

	dx := (bound.Max[0] - bound.Min[0]) / overlapSamples
	dy := (bound.Max[1] - bound.Min[1]) / overlapSamples
	for i := range overlapSamples {
		for j := range overlapSamples {
			// Probe cell centres so shared edges do not count as overlaps.
			pt := orb.Point{bound.Min[0] + (float64(i)+0.5)*dx, bound.Min[1] + (float64(j)+0.5)*dy}
			var hits []string
			for _, f := range areas {
				if contains(f.Geometry, pt) {
					hits = append(hits, boundary.PostalCode(f))
				}
			}
			if len(hits) > 1 {
				p.errorf("point %.5f,%.5f is inside %s", pt[1], pt[0], strings.Join(hits, ", "))
			}
		}
	}
	return p
}

func contains(geom orb.Geometry, pt orb.Point) bool {
	switch g := geom.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, pt)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, pt)
	}
	return false
}

// ── Phase 4: Landmarks ──

func validateLandmarks(data []byte, landmarks []landmark) *phase {
	p := &phase{name: "Phase 4: Landmark Resolution"}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g, err := boundary.New(data, observability.NewUnregisteredMetrics(), logger)
	if err != nil {
		p.errorf("load geocoder: %v", err)
		return p
	}

	for _, lm := range landmarks {
		addr, err := g.ReverseGeocode(context.Background(), lm.point.Lat, lm.point.Lon)
		if err != nil {
			p.errorf("line %d (%s): %v", lm.lineNum, lm.point, err)
			continue
		}
		c := domain.ClassifyPostalCode(addr.PostalCode)
		if c.Kind != domain.KindArrondissement || c.Arrondissement != lm.arrondissement {
			p.errorf("line %d (%s): expected arrondissement %d, got %s %q",
				lm.lineNum, lm.point, lm.arrondissement, c.Kind, addr.PostalCode)
		}
	}
	return p
}

func loadLandmarks(path string) ([]landmark, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("no data rows in %s", path)
	}

	landmarks := make([]landmark, 0, len(rows)-1)
	for i, row := range rows[1:] {
		lineNum := i + 2
		if len(row) < 3 {
			return nil, fmt.Errorf("line %d: want lat,lon,arrondissement", lineNum)
		}
		lat, err1 := strconv.ParseFloat(strings.TrimSpace(row[0]), 64)
		lon, err2 := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
		n, err3 := strconv.Atoi(strings.TrimSpace(row[2]))
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("line %d: malformed row %q", lineNum, row)
		}
		landmarks = append(landmarks, landmark{
			lineNum:        lineNum,
			point:          domain.Coordinates{Lat: lat, Lon: lon},
			arrondissement: n,
		})
	}
	return landmarks, nil
}
