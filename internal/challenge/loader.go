package challenge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ctfforge/ctfforge/internal/runerrors"
	"github.com/ctfforge/ctfforge/internal/validator"
)

var tracer = otel.Tracer("github.com/ctfforge/ctfforge/internal/challenge")

const descriptorName = "challenge.json"

// Load parses and validates one challenge descriptor. The challenge name
// is derived from the containing directory.
func Load(ctx context.Context, dir string) (*Challenge, error) {
	_, span := tracer.Start(ctx, "challenge.Load", trace.WithAttributes(
		attribute.String("challenge.dir", dir),
	))
	defer span.End()

	descriptorPath := filepath.Join(dir, descriptorName)
	content, err := os.ReadFile(descriptorPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read descriptor")
		return nil, runerrors.ConfigError{Context: descriptorPath, Err: err}
	}

	if err := ValidateSchema(content); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "descriptor does not match schema")
		return nil, runerrors.ConfigError{Context: descriptorPath, Err: err}
	}

	ch := Challenge{}
	if err := json.Unmarshal(content, &ch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to unmarshal descriptor")
		return nil, runerrors.ConfigError{Context: descriptorPath, Err: err}
	}

	ch.Name = filepath.Base(dir)
	ch.Dir = dir

	v := validator.Create()
	if err := v.Validate(&ch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "descriptor failed validation")
		return nil, runerrors.ConfigError{Context: descriptorPath, Err: err}
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "loaded challenge")
	return &ch, nil
}

// LoadSet loads every challenge under <root>/challenges, sorted by name.
// Duplicate names and descriptor problems are configuration errors that
// abort the run before any deployment work begins.
func LoadSet(ctx context.Context, root string) ([]*Challenge, error) {
	ctx, span := tracer.Start(ctx, "challenge.LoadSet", trace.WithAttributes(
		attribute.String("root", root),
	))
	defer span.End()

	challengeDir := filepath.Join(root, "challenges")
	entries, err := os.ReadDir(challengeDir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list challenges directory")
		return nil, runerrors.ConfigError{Context: challengeDir, Err: err}
	}

	seen := map[string]struct{}{}
	var set []*Challenge
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(challengeDir, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, descriptorName)); err != nil {
			continue
		}

		ch, err := Load(ctx, dir)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to load challenge")
			return nil, err
		}

		if _, dup := seen[ch.Name]; dup {
			err := runerrors.ConfigErrorf("duplicate challenge name %q", ch.Name)
			span.RecordError(err)
			span.SetStatus(codes.Error, "duplicate challenge name")
			return nil, err
		}
		seen[ch.Name] = struct{}{}

		set = append(set, ch)
	}

	if len(set) == 0 {
		err := runerrors.ConfigErrorf("no challenges found under %s", challengeDir)
		span.RecordError(err)
		span.SetStatus(codes.Error, "empty challenge set")
		return nil, err
	}

	sort.Slice(set, func(i, j int) bool { return set[i].Name < set[j].Name })

	span.SetAttributes(attribute.Int("challenges", len(set)))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "loaded challenge set")
	return set, nil
}

// Filter returns the subset of challenges whose names are in keep,
// erroring on names that do not exist.
func Filter(set []*Challenge, keep []string) ([]*Challenge, error) {
	if len(keep) == 0 {
		return set, nil
	}

	byName := map[string]*Challenge{}
	for _, ch := range set {
		byName[ch.Name] = ch
	}

	var out []*Challenge
	for _, name := range keep {
		ch, ok := byName[name]
		if !ok {
			return nil, runerrors.ConfigErrorf("unknown challenge %q", name)
		}
		out = append(out, ch)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
