package docker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeProjectName(t *testing.T) {
	assert.Equal(t, "prod-eu", SanitizeProjectName("Prod EU"))
	assert.Equal(t, "deja-vu", SanitizeProjectName("Déjà Vu"))
	assert.Equal(t, "env-1", SanitizeProjectName("--env 1--"))
}

func TestBuildComposeProject_Direct(t *testing.T) {
	assert.Equal(t, "cutover-staging", BuildComposeProject("staging", ""))
}

func TestBuildComposeProject_ColoredNamesDiffer(t *testing.T) {
	blue := BuildComposeProject("staging", "blue")
	green := BuildComposeProject("staging", "green")
	assert.NotEqual(t, blue, green)
	assert.True(t, strings.HasPrefix(blue, "cutover-staging-blue-"))
	assert.True(t, strings.HasPrefix(green, "cutover-staging-green-"))
}
