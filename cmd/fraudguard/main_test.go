package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fixbounty/fraudguard/internal/config"
	"github.com/fixbounty/fraudguard/internal/models"
	"github.com/fixbounty/fraudguard/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fraudguard.yaml")
	content := fmt.Sprintf(`database:
  driver: sqlite-purego
  path: %s
slow_checks:
  image_root: %s
logging:
  level: error
`, filepath.Join(dir, "fraudguard.db"), filepath.Join(dir, "uploads"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestGenerateConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.yaml")

	out, err := execute(t, "generate-config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)

	_, err = execute(t, "generate-config", path)
	assert.ErrorContains(t, err, "already exists")
}

func TestCheckCommand(t *testing.T) {
	cfgPath := writeTestConfig(t)
	imgPath := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(imgPath, testsupport.JPEG(t, testsupport.NoisyImage(320, 240, 3)), 0644))

	out, err := execute(t, "--config", cfgPath, "check", imgPath, "--deep")
	require.NoError(t, err)
	assert.Contains(t, out, "overall")
	assert.Contains(t, out, "missing_exif")
	assert.Contains(t, out, "AI FORENSICS")
	assert.Contains(t, out, "confidence")
	assert.Contains(t, out, "manual review")
}

func TestCheckCommand_Errors(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, err := execute(t, "--config", cfgPath, "check", filepath.Join(t.TempDir(), "missing.jpg"))
	assert.ErrorContains(t, err, "read image")

	imgPath := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(imgPath, testsupport.PNG(t, testsupport.NoisyImage(64, 64, 1)), 0644))
	_, err = execute(t, "--config", cfgPath, "check", imgPath, "--lat", "1")
	assert.ErrorContains(t, err, "--lat and --lon")
}

func TestMissingExplicitConfig(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "check", "x.jpg")
	assert.ErrorContains(t, err, "config file not found")
}

func TestRenderCheck(t *testing.T) {
	out := renderCheck(&models.FraudCheckResult{
		SubmissionID: "sub-7",
		Scores:       models.FraudScores{Exif: 10, Duplicate: 0, GPS: 5, Visual: 10, Overall: 6.25},
		Flags:        []string{"duplicate_detected"},
	})

	assert.Contains(t, out, "Submission sub-7")
	assert.Contains(t, out, "SIGNAL")
	assert.Contains(t, out, "6.25")
	assert.Contains(t, out, "Flags: duplicate_detected")
	assert.NotContains(t, out, "Fingerprint:")
	// the overall score closes the table
	assert.Less(t, strings.Index(out, "visual"), strings.Index(out, "overall"))
}
