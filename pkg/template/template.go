// Package template resolves named environment templates to sandbox
// configuration: base image, package set, environment variables, and
// resource limits. Unknown names fall back to the default template so a
// bad template name never fails the caller.
package template

import (
	"sort"

	"k8s.io/klog/v2"
)

// Template describes a pre-configured sandbox environment.
type Template struct {
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	BaseImage      string            `json:"base_image"`
	Packages       []string          `json:"packages,omitempty"`
	EnvVars        map[string]string `json:"environment_variables,omitempty"`
	SetupCommands  []string          `json:"setup_commands,omitempty"`
	MemoryBytes    int64             `json:"memory_bytes"`
	CPUQuota       int64             `json:"cpu_quota"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	NetworkEnabled bool              `json:"network_enabled"`
}

// DefaultName is the template used when a requested name is unknown.
const DefaultName = "default"

const (
	mi = 1024 * 1024
	gi = 1024 * mi
)

// builtins are the environment templates shipped with the platform.
var builtins = map[string]Template{
	"default": {
		Name:           "default",
		Description:    "Default Python sandbox with essential packages",
		BaseImage:      "executor-sandbox:latest",
		MemoryBytes:    512 * mi,
		CPUQuota:       100000,
		TimeoutSeconds: 30,
	},
	"python-data": {
		Name:        "python-data",
		Description: "Python data science environment",
		BaseImage:   "executor-sandbox:latest",
		Packages: []string{
			"pandas==2.2.0",
			"numpy==1.26.4",
			"matplotlib==3.8.3",
			"seaborn==0.13.2",
			"scipy==1.12.0",
			"scikit-learn==1.4.0",
			"openpyxl==3.1.2",
			"xlrd==2.0.1",
		},
		EnvVars: map[string]string{
			"MPLBACKEND":              "Agg",
			"PYTHONDONTWRITEBYTECODE": "1",
		},
		MemoryBytes:    1 * gi,
		CPUQuota:       100000,
		TimeoutSeconds: 60,
	},
	"python-ml": {
		Name:        "python-ml",
		Description: "Python machine learning environment",
		BaseImage:   "executor-sandbox:latest",
		Packages: []string{
			"torch==2.2.0",
			"transformers==4.37.2",
			"datasets==2.16.1",
			"accelerate==0.26.1",
			"numpy==1.26.4",
			"pandas==2.2.0",
			"scikit-learn==1.4.0",
			"tqdm==4.66.1",
		},
		EnvVars: map[string]string{
			"MPLBACKEND":              "Agg",
			"PYTHONDONTWRITEBYTECODE": "1",
			"TRANSFORMERS_CACHE":      "/tmp/transformers_cache",
			"HF_HOME":                 "/tmp/huggingface",
		},
		MemoryBytes:    2 * gi,
		CPUQuota:       200000,
		TimeoutSeconds: 120,
	},
	"python-nlp": {
		Name:        "python-nlp",
		Description: "Natural language processing environment",
		BaseImage:   "executor-sandbox:latest",
		Packages: []string{
			"nltk==3.8.1",
			"spacy==3.7.2",
			"textblob==0.17.1",
			"gensim==4.3.2",
			"pandas==2.2.0",
			"numpy==1.26.4",
		},
		SetupCommands: []string{
			"python -m nltk.downloader punkt -d /tmp/nltk_data",
			"python -m nltk.downloader stopwords -d /tmp/nltk_data",
		},
		EnvVars: map[string]string{
			"MPLBACKEND": "Agg",
			"NLTK_DATA":  "/tmp/nltk_data",
		},
		MemoryBytes:    1 * gi,
		CPUQuota:       100000,
		TimeoutSeconds: 90,
	},
}

// Resolve returns the template registered under name. Unknown names fall
// back to the default template; the fallback is logged but never an error.
func Resolve(name string) Template {
	if name == "" {
		name = DefaultName
	}
	tpl, ok := builtins[name]
	if !ok {
		klog.Warningf("unknown template %q, falling back to %q", name, DefaultName)
		return builtins[DefaultName]
	}
	return tpl
}

// Names returns the sorted names of all registered templates.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
