package launcher

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/JensMuenkel/scrapyd/internal/jobs"
)

// WorkerConfig describes how a crawl worker is invoked.
type WorkerConfig struct {
	Python     string
	Module     string
	PythonPath string
	EggsDir    string
	LogsDir    string
	ItemsDir   string
	Dir        string
	// BaseEnv replaces os.Environ as the inherited environment when non-nil.
	BaseEnv []string
}

// Spec builds the process spec for d running in slot.
func (c WorkerConfig) Spec(d jobs.Descriptor, slot int) jobs.ProcessSpec {
	python := c.Python
	if python == "" {
		python = "python3"
	}
	module := c.Module
	if module == "" {
		module = "scrapyd.runner"
	}
	args := append([]string{"-m", module}, CrawlArgs(d)...)
	return jobs.ProcessSpec{
		Path:    python,
		Args:    args,
		Env:     c.environ(d, slot),
		Dir:     c.Dir,
		LogPath: c.logPath(d),
	}
}

// CrawlArgs renders `crawl <spider> -a k=v ... -a _job=<id> -s k=v ...` with
// keys in sorted order. The version travels in the environment, not as -a.
func CrawlArgs(d jobs.Descriptor) []string {
	args := []string{"crawl", d.Spider}
	for _, k := range d.SortedArgKeys() {
		if k == jobs.VersionArg || k == "_job" {
			continue
		}
		args = append(args, "-a", k+"="+d.Args[k])
	}
	args = append(args, "-a", "_job="+d.JobID)
	for _, k := range d.SortedSettingKeys() {
		args = append(args, "-s", k+"="+d.Settings[k])
	}
	return args
}

func (c WorkerConfig) environ(d jobs.Descriptor, slot int) []string {
	base := c.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	set := map[string]string{
		"SCRAPY_PROJECT":   d.Project,
		"SCRAPY_SPIDER":    d.Spider,
		"SCRAPY_JOB":       d.JobID,
		"SCRAPYD_SLOT":     strconv.Itoa(slot),
		"PYTHONIOENCODING": "UTF-8",
	}
	if d.Version != "" {
		set["SCRAPY_EGG_VERSION"] = d.Version
	}
	if logPath := c.logPath(d); logPath != "" {
		set["SCRAPY_LOG_FILE"] = logPath
	}
	if c.EggsDir != "" {
		set["SCRAPYD_EGGS_DIR"] = c.EggsDir
	}
	if c.PythonPath != "" {
		set["PYTHONPATH"] = c.PythonPath
	}
	if c.ItemsDir != "" {
		set["SCRAPY_FEED_URI"] = filepath.Join(c.ItemsDir, d.Project, d.Spider, d.JobID+".jl")
	}

	env := make([]string, 0, len(base)+len(set))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, override := set[key]; override {
			continue
		}
		if key == "SCRAPY_EGG_VERSION" || key == "SCRAPY_LOG_FILE" || key == "SCRAPY_FEED_URI" {
			continue
		}
		env = append(env, kv)
	}
	for _, key := range sortedEnvKeys(set) {
		env = append(env, key+"="+set[key])
	}
	return env
}

func (c WorkerConfig) logPath(d jobs.Descriptor) string {
	if c.LogsDir == "" {
		return ""
	}
	return filepath.Join(c.LogsDir, d.Project, d.Spider, d.JobID+".log")
}

func sortedEnvKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
