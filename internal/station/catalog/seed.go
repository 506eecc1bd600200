package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/example/evreserve/internal/reservation/domain"
)

type seedFile struct {
	Stations []domain.Station `yaml:"stations"`
}

// ReadSeed decodes a YAML document with a top-level stations list.
func ReadSeed(r io.Reader) ([]domain.Station, error) {
	var doc seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return doc.Stations, nil
}

// LoadSeedFile reads stations from a YAML file.
func LoadSeedFile(path string) ([]domain.Station, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return ReadSeed(f)
}

// Seed upserts stations in order and stops at the first invalid one.
func Seed(ctx context.Context, cat Store, stations []domain.Station) (int, error) {
	for i, s := range stations {
		if err := cat.Upsert(ctx, s); err != nil {
			return i, fmt.Errorf("seed station %q: %w", s.ID, err)
		}
	}
	return len(stations), nil
}
