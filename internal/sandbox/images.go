package sandbox

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const defaultImage = "python:3.12-slim"

var pythonVersionRe = regexp.MustCompile(`^3\.\d{1,2}`)

// DockerImage returns the image for a working directory.
// A custom image in config takes precedence; otherwise a .python-version file
// selects the matching slim image, falling back to the default.
func DockerImage(workDir string, config Config) string {
	if config.DockerImage != "" {
		return config.DockerImage
	}

	data, err := os.ReadFile(filepath.Join(workDir, ".python-version"))
	if err != nil {
		return defaultImage
	}
	if v := pythonVersionRe.FindString(strings.TrimSpace(string(data))); v != "" {
		return "python:" + v + "-slim"
	}
	return defaultImage
}
