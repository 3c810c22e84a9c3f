package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// Load reads an HCL config file. A missing file is not an error and yields Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadHCL(data, path)
}

// LoadHCL decodes config from HCL bytes on top of the defaults.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	// Absent top-level attributes keep their default values.
	cfg := Default()
	cfg.Linux, cfg.Windows, cfg.Metrics, cfg.Log = nil, nil, nil, nil

	if diags := gohcl.DecodeBody(file.Body, nil, cfg); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode config: %s", diags.Error())
	}
	cfg.applyBlockDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filename, err)
	}
	return cfg, nil
}

// Render returns the configuration as formatted HCL.
func Render(cfg *Config) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	body.SetAttributeValue("default_state", cty.StringVal(cfg.DefaultState))
	body.SetAttributeValue("rules_file", cty.StringVal(cfg.RulesFile))
	body.SetAttributeValue("journal_file", cty.StringVal(cfg.JournalFile))
	body.SetAttributeValue("backend_timeout", cty.StringVal(cfg.BackendTimeout))
	body.SetAttributeValue("refresh_interval", cty.StringVal(cfg.RefreshInterval))
	body.SetAttributeValue("hash_pinning", cty.BoolVal(cfg.HashPinning))
	body.SetAttributeValue("case_insensitive_paths", cty.BoolVal(cfg.CaseInsensitivePaths))
	if cfg.StateDir != "" {
		body.SetAttributeValue("state_dir", cty.StringVal(cfg.StateDir))
	}

	if cfg.Linux != nil {
		body.AppendNewline()
		lb := body.AppendNewBlock("linux", nil).Body()
		lb.SetAttributeValue("table", cty.StringVal(cfg.Linux.Table))
		lb.SetAttributeValue("queue_num", cty.NumberIntVal(int64(cfg.Linux.QueueNum)))
		lb.SetAttributeValue("nflog_group", cty.NumberIntVal(int64(cfg.Linux.NFLogGroup)))
		lb.SetAttributeValue("inbound", cty.BoolVal(cfg.Linux.Inbound != nil && *cfg.Linux.Inbound))
		lb.SetAttributeValue("fail_open", cty.BoolVal(cfg.Linux.FailOpen != nil && *cfg.Linux.FailOpen))
	}
	if cfg.Windows != nil {
		body.AppendNewline()
		wb := body.AppendNewBlock("windows", nil).Body()
		wb.SetAttributeValue("rule_prefix", cty.StringVal(cfg.Windows.RulePrefix))
		wb.SetAttributeValue("inbound", cty.BoolVal(cfg.Windows.Inbound != nil && *cfg.Windows.Inbound))
	}
	if cfg.Metrics != nil {
		body.AppendNewline()
		mb := body.AppendNewBlock("metrics", nil).Body()
		mb.SetAttributeValue("listen", cty.StringVal(cfg.Metrics.Listen))
	}
	if cfg.Log != nil {
		body.AppendNewline()
		lg := body.AppendNewBlock("log", nil).Body()
		lg.SetAttributeValue("level", cty.StringVal(cfg.Log.Level))
		lg.SetAttributeValue("json", cty.BoolVal(cfg.Log.JSON))
	}

	return hclwrite.Format(f.Bytes())
}

// WriteDefault writes Default() to path. It refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, Render(Default()), 0644)
}
