package sandbox

import (
	"fmt"
	"strings"
)

// launchSpec describes how a language is executed inside the container:
// the source is written to a fixed per-language filename, then the command
// runs from the working directory. Compiled languages use a
// compile-then-run shell pipeline.
type launchSpec struct {
	cmd        []string
	sourceFile string
}

// launchFor maps a language name (with common aliases) to its launch spec.
// Unsupported languages fail with ErrUnsupportedLanguage before any
// container interaction.
func launchFor(language string) (launchSpec, error) {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "python":
		return launchSpec{cmd: []string{"python", "main.py"}, sourceFile: "main.py"}, nil
	case "node", "javascript", "js":
		return launchSpec{cmd: []string{"node", "main.js"}, sourceFile: "main.js"}, nil
	case "r", "rscript":
		return launchSpec{cmd: []string{"Rscript", "main.R"}, sourceFile: "main.R"}, nil
	case "bash", "sh", "shell":
		return launchSpec{cmd: []string{"sh", "main.sh"}, sourceFile: "main.sh"}, nil
	case "go":
		return launchSpec{cmd: []string{"sh", "-lc", "go run main.go"}, sourceFile: "main.go"}, nil
	case "rust", "rs":
		return launchSpec{cmd: []string{"sh", "-lc", "rustc main.rs -O -o main && ./main"}, sourceFile: "main.rs"}, nil
	case "java":
		return launchSpec{cmd: []string{"sh", "-lc", "javac Main.java && java Main"}, sourceFile: "Main.java"}, nil
	case "cpp", "c++":
		return launchSpec{cmd: []string{"sh", "-lc", "g++ main.cpp -O2 -o main && ./main"}, sourceFile: "main.cpp"}, nil
	default:
		return launchSpec{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
}
