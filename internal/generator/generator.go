// Package generator produces catalog metadata documents for model weight files.
//
// A document lives at <outputDir>/<file stem>.json and has the shape
// {"modelVersion": {...}, "model": {...}}. Two implementations exist: ExecGenerator
// runs an external command (by default this binary's own "generate" subcommand)
// and CatalogGenerator queries the catalog API in-process.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go-civitai-library/internal/api"
	"go-civitai-library/internal/helpers"
	"go-civitai-library/internal/models"

	log "github.com/sirupsen/logrus"
)

var (
	ErrGenerationFailed = errors.New("metadata generation failed")
	ErrNoDocument       = errors.New("generator produced no metadata document")
	ErrUnsupportedFile  = errors.New("not a model weight file")
)

// Generator writes the metadata document for filePath into outputDir.
type Generator interface {
	Generate(ctx context.Context, filePath, outputDir string) error
}

// MetadataPath is where a generator writes the document for filePath.
func MetadataPath(outputDir, filePath string) string {
	base := filepath.Base(filePath)
	return filepath.Join(outputDir, strings.TrimSuffix(base, filepath.Ext(base))+".json")
}

// ExecGenerator runs `<Command> <Args...> <filePath> <outputDir>`.
// Exit status 0 plus a document on disk is success.
type ExecGenerator struct {
	Command string
	Args    []string
}

// NewSelfGenerator returns an ExecGenerator invoking this binary's generate subcommand.
func NewSelfGenerator(extraArgs ...string) (*ExecGenerator, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating own executable: %w", err)
	}
	return &ExecGenerator{Command: self, Args: append([]string{"generate"}, extraArgs...)}, nil
}

// NewExecGenerator builds a generator from a configured command line.
func NewExecGenerator(commandLine []string) (*ExecGenerator, error) {
	if len(commandLine) == 0 || strings.TrimSpace(commandLine[0]) == "" {
		return nil, errors.New("empty generator command")
	}
	return &ExecGenerator{Command: commandLine[0], Args: commandLine[1:]}, nil
}

func (g *ExecGenerator) Generate(ctx context.Context, filePath, outputDir string) error {
	args := append(append([]string{}, g.Args...), filePath, outputDir)
	cmd := exec.CommandContext(ctx, g.Command, args...)
	output, err := cmd.CombinedOutput()
	diagnostic := strings.TrimSpace(string(output))
	if err != nil {
		log.WithError(err).WithField("file", filePath).Debugf("Generator output: %s", diagnostic)
		if diagnostic == "" {
			return fmt.Errorf("%w: %s: %v", ErrGenerationFailed, filePath, err)
		}
		return fmt.Errorf("%w: %s: %v: %s", ErrGenerationFailed, filePath, err, lastLine(diagnostic))
	}

	docPath := MetadataPath(outputDir, filePath)
	if _, err := os.Stat(docPath); err != nil {
		return fmt.Errorf("%w: expected %s", ErrNoDocument, docPath)
	}
	return nil
}

// CatalogClient is the subset of the catalog API the in-process generator needs.
type CatalogClient interface {
	GetModelVersionByHash(ctx context.Context, hash string) (models.ModelVersion, error)
	GetModel(ctx context.Context, modelID int) (models.Model, error)
}

// CatalogGenerator hashes the file and fetches its catalog entry directly.
type CatalogGenerator struct {
	Client CatalogClient
}

func (g *CatalogGenerator) Generate(ctx context.Context, filePath, outputDir string) error {
	if !helpers.IsWeightFile(filePath) {
		return fmt.Errorf("%w: %s", ErrUnsupportedFile, filePath)
	}

	sums, err := helpers.HashFile(filePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	log.WithField("file", filePath).Infof("[HASH] %s", sums.SHA256)

	version, err := g.Client.GetModelVersionByHash(ctx, sums.SHA256)
	if errors.Is(err, api.ErrNotFound) {
		log.WithField("file", filePath).Debug("SHA256 unknown to catalog, trying BLAKE3")
		version, err = g.Client.GetModelVersionByHash(ctx, sums.BLAKE3)
	}
	if err != nil {
		return fmt.Errorf("%w: model version lookup for %s: %w", ErrGenerationFailed, filepath.Base(filePath), err)
	}

	doc := models.MetadataDocument{ModelVersion: &version}
	if version.ModelId > 0 {
		model, err := g.Client.GetModel(ctx, version.ModelId)
		if err != nil {
			log.WithError(err).Warnf("Failed to fetch model %d, writing version info only", version.ModelId)
		} else {
			doc.Model = &model
		}
	}

	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding metadata for %s: %w", filePath, err)
	}
	docPath := MetadataPath(outputDir, filePath)
	if err := helpers.WriteFileAtomic(docPath, data); err != nil {
		return fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	log.Infof("Saved model info to %s", docPath)
	return nil
}

func lastLine(s string) string {
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}
