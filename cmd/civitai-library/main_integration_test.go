package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Setup ---

var (
	binaryName  = "civitai-library"
	binaryPath  string
	projectRoot string
)

// TestMain builds the binary once for all integration tests.
func TestMain(m *testing.M) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		fmt.Println("Could not get caller information")
		os.Exit(1)
	}
	projectRoot = filepath.Join(filepath.Dir(filename), "..", "..")

	buildDir, err := os.MkdirTemp("", "civitai-library-it")
	if err != nil {
		fmt.Printf("Failed to create build dir: %v\n", err)
		os.Exit(1)
	}
	if runtime.GOOS == "windows" {
		binaryName += ".exe"
	}
	binaryPath = filepath.Join(buildDir, binaryName)

	fmt.Println("Building binary for integration tests...")
	buildCmd := exec.Command("go", "build", "-o", binaryPath, ".")
	buildCmd.Dir = filepath.Join(projectRoot, "cmd", "civitai-library")
	buildOutput, err := buildCmd.CombinedOutput()
	if err != nil {
		fmt.Printf("Failed to build binary: %v\nOutput:\n%s\n", err, string(buildOutput))
		os.Exit(1)
	}

	exitCode := m.Run()
	os.RemoveAll(buildDir)
	os.Exit(exitCode)
}

// --- Helper Functions ---

// runCommand executes the binary with given arguments against cfgPath.
func runCommand(t *testing.T, cfgPath string, args ...string) (string, string, error) {
	t.Helper()
	cmd := exec.Command(binaryPath, append([]string{"--config", cfgPath, "--log-level", "warn"}, args...)...)
	cmd.Dir = filepath.Dir(cfgPath)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		t.Logf("Command failed with error: %v\nStderr:\n%s", err, stderr.String())
	}
	return stdout.String(), stderr.String(), err
}

const dreamshaperDoc = `{
  "modelVersion": {"id": 128713, "modelId": 4384, "name": "8", "baseModel": "SD 1.5",
    "model": {"name": "DreamShaper", "type": "Checkpoint"}},
  "model": {"id": 4384, "name": "DreamShaper", "type": "Checkpoint",
    "creator": {"username": "Lykon"}, "tags": ["anime"], "stats": {"downloadCount": 1000}}
}`

type library struct {
	root   string
	cfg    string
	models string
}

// newLibrary lays out a config, an empty watched folder candidate and a metadata dir.
// Metadata generation is off so no test talks to the network.
func newLibrary(t *testing.T) library {
	t.Helper()
	root := t.TempDir()
	lib := library{root: root, cfg: filepath.Join(root, "config.toml"), models: filepath.Join(root, "models")}
	require.NoError(t, os.MkdirAll(lib.models, 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "metadata"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(lib.models, "dreamshaper_8.safetensors"), []byte("weights"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(lib.models, "detail_tweaker.safetensors"), []byte("lora"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "metadata", "dreamshaper_8.json"), []byte(dreamshaperDoc), 0644))

	config := fmt.Sprintf(`data_dir = %q
metadata_output_dir = %q
auto_generate_metadata = false
`, filepath.Join(root, "data"), filepath.Join(root, "metadata"))
	require.NoError(t, os.WriteFile(lib.cfg, []byte(config), 0644))
	return lib
}

type listPage struct {
	Records []struct {
		ModelKey string `json:"modelKey"`
		FileName string `json:"fileName"`
	} `json:"records"`
	Total int `json:"total"`
}

func listJSON(t *testing.T, lib library, args ...string) listPage {
	t.Helper()
	stdout, _, err := runCommand(t, lib.cfg, append([]string{"list", "--output", "json"}, args...)...)
	require.NoError(t, err)
	var page listPage
	require.NoError(t, json.Unmarshal([]byte(stdout), &page), "output: %s", stdout)
	return page
}

// --- Test Cases ---

func TestFolders_AddListRemove(t *testing.T) {
	lib := newLibrary(t)

	_, _, err := runCommand(t, lib.cfg, "folders", "add", lib.models)
	require.NoError(t, err)

	stdout, _, err := runCommand(t, lib.cfg, "folders", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, lib.models)

	_, _, err = runCommand(t, lib.cfg, "folders", "add", filepath.Join(lib.root, "nope"))
	assert.Error(t, err, "adding a missing folder must fail")

	_, _, err = runCommand(t, lib.cfg, "folders", "remove", lib.models)
	require.NoError(t, err)
	stdout, _, err = runCommand(t, lib.cfg, "folders", "list")
	require.NoError(t, err)
	assert.NotContains(t, stdout, lib.models)
}

func TestList_FiltersAndDeleted(t *testing.T) {
	lib := newLibrary(t)
	_, _, err := runCommand(t, lib.cfg, "folders", "add", lib.models)
	require.NoError(t, err)

	page := listJSON(t, lib)
	assert.Equal(t, 2, page.Total)

	page = listJSON(t, lib, "--creator", "Lykon")
	require.Len(t, page.Records, 1)
	assert.Equal(t, "4384_128713", page.Records[0].ModelKey)

	_, _, err = runCommand(t, lib.cfg, "deleted", "add", filepath.Join(lib.models, "detail_tweaker.safetensors"))
	require.NoError(t, err)
	page = listJSON(t, lib)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "dreamshaper_8.safetensors", page.Records[0].FileName)

	stdout, _, err := runCommand(t, lib.cfg, "list", "--search", "drmshpr")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Did you mean")
}

func TestScanAndSearch(t *testing.T) {
	lib := newLibrary(t)
	_, _, err := runCommand(t, lib.cfg, "folders", "add", lib.models)
	require.NoError(t, err)

	stdout, _, err := runCommand(t, lib.cfg, "scan")
	require.NoError(t, err)
	assert.Contains(t, stdout, "2 models")

	stdout, _, err = runCommand(t, lib.cfg, "search", "+creatorName:lykon")
	require.NoError(t, err)
	assert.Contains(t, stdout, "DreamShaper")
	assert.NotContains(t, stdout, "detail_tweaker")
}

func TestFavorites_Toggle(t *testing.T) {
	lib := newLibrary(t)

	stdout, _, err := runCommand(t, lib.cfg, "favorites", "toggle", "4384_128713")
	require.NoError(t, err)
	assert.Contains(t, stdout, "favorited")

	stdout, _, err = runCommand(t, lib.cfg, "favorites", "list")
	require.NoError(t, err)
	assert.Equal(t, "4384_128713", strings.TrimSpace(stdout))

	_, _, err = runCommand(t, lib.cfg, "favorites", "toggle", "4384_128713")
	require.NoError(t, err)
	stdout, _, err = runCommand(t, lib.cfg, "favorites", "list")
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(stdout))
}

func TestClean_RemovesLeftovers(t *testing.T) {
	lib := newLibrary(t)
	_, _, err := runCommand(t, lib.cfg, "folders", "add", lib.models)
	require.NoError(t, err)

	leftover := filepath.Join(lib.models, "dreamshaper_8.safetensors.123.tmp")
	torrentFile := filepath.Join(lib.models, "dreamshaper_8.torrent")
	require.NoError(t, os.WriteFile(leftover, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(torrentFile, []byte("x"), 0644))

	_, _, err = runCommand(t, lib.cfg, "clean")
	require.NoError(t, err)
	assert.NoFileExists(t, leftover)
	assert.FileExists(t, torrentFile)

	_, _, err = runCommand(t, lib.cfg, "clean", "--torrents")
	require.NoError(t, err)
	assert.NoFileExists(t, torrentFile)
	assert.FileExists(t, filepath.Join(lib.models, "dreamshaper_8.safetensors"))
}

func TestTorrent_RequiresAnnounce(t *testing.T) {
	lib := newLibrary(t)
	_, _, err := runCommand(t, lib.cfg, "torrent")
	assert.Error(t, err)
}
