// Command genmock writes a mock Paris postal code boundary dataset: the city
// bounding box split into a grid of twenty arrondissement cells, framed by
// four suburban strips with non-Paris codes. The output feeds
// BOUNDARY_GEOJSON in local runs and the validate command.
//
// Usage:
//
//	go run ./cmd/genmock -out data/mock/paris_grid.geojson
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/couchcryptid/arrondissement-locator/internal/adapter/boundary"
	"github.com/couchcryptid/arrondissement-locator/internal/domain"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Approximate bounding box of the city of Paris.
var paris = orb.Bound{
	Min: orb.Point{2.224, 48.815},
	Max: orb.Point{2.470, 48.902},
}

const (
	gridRows = 4
	gridCols = 5
	frame    = 0.03 // degrees of suburb around the city box
)

type suburb struct {
	postalCode string
	name       string
	bound      orb.Bound
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "", "output path for the GeoJSON FeatureCollection")
	flag.Parse()

	if *out == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -out")
	}

	fc := geojson.NewFeatureCollection()
	for _, f := range arrondissementCells() {
		fc.Append(f)
	}
	for _, s := range suburbs() {
		f := geojson.NewFeature(s.bound.ToPolygon())
		f.Properties["postal_code"] = s.postalCode
		f.Properties["name"] = s.name
		fc.Append(f)
	}

	if err := writeJSON(*out, fc); err != nil {
		return fmt.Errorf("writing boundary fixture: %w", err)
	}
	log.Printf("wrote %d features to %s", len(fc.Features), *out)

	printStats(fc)
	return nil
}

// arrondissementCells numbers grid cells 1..20 row by row from the north-west.
func arrondissementCells() []*geojson.Feature {
	width := (paris.Max[0] - paris.Min[0]) / gridCols
	height := (paris.Max[1] - paris.Min[1]) / gridRows

	features := make([]*geojson.Feature, 0, gridRows*gridCols)
	for row := range gridRows {
		for col := range gridCols {
			n := row*gridCols + col + 1
			cell := orb.Bound{
				Min: orb.Point{paris.Min[0] + float64(col)*width, paris.Max[1] - float64(row+1)*height},
				Max: orb.Point{paris.Min[0] + float64(col+1)*width, paris.Max[1] - float64(row)*height},
			}
			f := geojson.NewFeature(cell.ToPolygon())
			f.Properties["postal_code"] = fmt.Sprintf("750%02d", n)
			f.Properties["name"] = fmt.Sprintf("Paris %d (mock)", n)
			features = append(features, f)
		}
	}
	return features
}

func suburbs() []suburb {
	return []suburb{
		{"93200", "Saint-Denis (mock)", orb.Bound{
			Min: orb.Point{paris.Min[0] - frame, paris.Max[1]},
			Max: orb.Point{paris.Max[0] + frame, paris.Max[1] + frame},
		}},
		{"94200", "Ivry-sur-Seine (mock)", orb.Bound{
			Min: orb.Point{paris.Min[0] - frame, paris.Min[1] - frame},
			Max: orb.Point{paris.Max[0] + frame, paris.Min[1]},
		}},
		{"92100", "Boulogne-Billancourt (mock)", orb.Bound{
			Min: orb.Point{paris.Min[0] - frame, paris.Min[1]},
			Max: orb.Point{paris.Min[0], paris.Max[1]},
		}},
		{"94300", "Vincennes (mock)", orb.Bound{
			Min: orb.Point{paris.Max[0], paris.Min[1]},
			Max: orb.Point{paris.Max[0] + frame, paris.Max[1]},
		}},
	}
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func printStats(fc *geojson.FeatureCollection) {
	counts := map[domain.ClassificationKind]int{}
	for _, f := range fc.Features {
		counts[domain.ClassifyPostalCode(boundary.PostalCode(f)).Kind]++
	}
	fmt.Println()
	fmt.Println("Classification summary:")
	for _, k := range []domain.ClassificationKind{
		domain.KindArrondissement,
		domain.KindNotParisCode,
		domain.KindUnparsablePostalCode,
		domain.KindNoCode,
	} {
		fmt.Printf("  %-24s %d\n", k, counts[k])
	}
}
