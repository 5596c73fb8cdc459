package forest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/xweirdfor/xweirdfor/internal/features"
)

const (
	Format  = "xweirdfor-model"
	Version = 1

	KindIsolationForest = "isolation_forest"
)

var (
	ErrFormat    = errors.New("unknown artifact format")
	ErrVersion   = errors.New("unsupported artifact version")
	ErrDimension = errors.New("feature dimension mismatch")
	ErrNoMembers = errors.New("artifact has no members")
)

// ModelLoadError reports an artifact that could not be read or failed
// validation. Nothing is scored with a partially loaded model.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("load model: %v", e.Err)
	}
	return fmt.Sprintf("load model %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

// Member is one ensemble personality.
type Member struct {
	Name        string      `json:"name"`
	Kind        string      `json:"kind"`
	Calibration Calibration `json:"calibration"`
	Forest
}

// Artifact is the on-disk model: members plus the feature layout and
// baseline they were fitted against.
type Artifact struct {
	Format       string             `json:"format"`
	Version      int                `json:"version"`
	FeatureDim   int                `json:"feature_dim"`
	FeatureNames []string           `json:"feature_names"`
	Baseline     *features.Baseline `json:"baseline,omitempty"`
	Members      []Member           `json:"members"`
}

// Load reads and validates the artifact at path.
func Load(path string) (*Artifact, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &ModelLoadError{Path: path, Err: err}
	}
	defer func() { _ = file.Close() }()

	a, err := Decode(file)
	if err != nil {
		var lerr *ModelLoadError
		if errors.As(err, &lerr) {
			lerr.Path = path
			return nil, lerr
		}
		return nil, &ModelLoadError{Path: path, Err: err}
	}
	return a, nil
}

func Decode(r io.Reader) (*Artifact, error) {
	var a Artifact
	dec := json.NewDecoder(r)
	if err := dec.Decode(&a); err != nil {
		return nil, &ModelLoadError{Err: fmt.Errorf("decode: %w", err)}
	}
	if err := a.Validate(); err != nil {
		return nil, &ModelLoadError{Err: err}
	}
	return &a, nil
}

// Validate checks the artifact against the extractor it will be fed by.
func (a *Artifact) Validate() error {
	if a.Format != Format {
		return fmt.Errorf("%w %q", ErrFormat, a.Format)
	}
	if a.Version != Version {
		return fmt.Errorf("%w %d", ErrVersion, a.Version)
	}
	if a.FeatureDim != features.Dim {
		return fmt.Errorf("%w: artifact has %d, extractor produces %d", ErrDimension, a.FeatureDim, features.Dim)
	}
	if len(a.FeatureNames) != 0 {
		names := features.Names()
		if len(a.FeatureNames) != len(names) {
			return fmt.Errorf("%w: %d feature names", ErrDimension, len(a.FeatureNames))
		}
		for i, name := range a.FeatureNames {
			if name != names[i] {
				return fmt.Errorf("%w: slot %d is %q, extractor has %q", ErrDimension, i, name, names[i])
			}
		}
	}
	if a.Baseline != nil && !a.Baseline.Valid() {
		return fmt.Errorf("%w: baseline", ErrDimension)
	}
	if len(a.Members) == 0 {
		return ErrNoMembers
	}

	seen := map[string]struct{}{}
	for i, m := range a.Members {
		if m.Name == "" {
			return fmt.Errorf("members[%d]: name is required", i)
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("members[%d]: duplicate name %q", i, m.Name)
		}
		seen[m.Name] = struct{}{}
		if m.Kind != KindIsolationForest {
			return fmt.Errorf("member %s: unknown kind %q", m.Name, m.Kind)
		}
		if err := m.Calibration.Validate(); err != nil {
			return fmt.Errorf("member %s: %w", m.Name, err)
		}
		if err := m.Forest.Validate(a.FeatureDim); err != nil {
			return fmt.Errorf("member %s: %w", m.Name, err)
		}
	}
	return nil
}

// Member returns the member called name.
func (a *Artifact) Member(name string) (Member, bool) {
	for _, m := range a.Members {
		if m.Name == name {
			return m, true
		}
	}
	return Member{}, false
}

func (a *Artifact) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(a)
}

// Save writes the artifact atomically.
func (a *Artifact) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".model-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := a.Encode(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
