package sandbox

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaunchForAliases(t *testing.T) {
	cases := map[string]string{
		"python":     "main.py",
		"PYTHON":     "main.py",
		"  node  ":   "main.js",
		"javascript": "main.js",
		"js":         "main.js",
		"r":          "main.R",
		"rscript":    "main.R",
		"bash":       "main.sh",
		"shell":      "main.sh",
		"go":         "main.go",
		"rust":       "main.rs",
		"java":       "Main.java",
		"c++":        "main.cpp",
	}
	for lang, source := range cases {
		spec, err := launchFor(lang)
		require.NoError(t, err, "language %q", lang)
		assert.Equal(t, source, spec.sourceFile)
		assert.NotEmpty(t, spec.cmd)
	}
}

func TestLaunchForUnsupported(t *testing.T) {
	for _, lang := range []string{"cobol", "fortran", ""} {
		_, err := launchFor(lang)
		assert.True(t, errors.Is(err, ErrUnsupportedLanguage), "language %q", lang)
	}
}
