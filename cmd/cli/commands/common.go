package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/inferloop/splitlab/cmd/cli/config"
)

// GlobalOptions carries the root command's persistent flags and the loaded
// CLI configuration into every subcommand
type GlobalOptions struct {
	ConfigFile string
	Verbose    bool
	Format     string
	Config     *config.CLIConfig
}

func (g *GlobalOptions) config() *config.CLIConfig {
	if g.Config == nil {
		g.Config = config.DefaultConfig()
	}
	return g.Config
}

func (g *GlobalOptions) format() string {
	if g.Format != "" {
		return g.Format
	}
	return g.config().DefaultFormat
}

// render writes v as indented JSON, or through text for the text format
func (g *GlobalOptions) render(w io.Writer, v interface{}, text func(io.Writer)) error {
	switch g.format() {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "text", "":
		text(w)
		return nil
	default:
		return fmt.Errorf("unsupported output format %q (text, json)", g.format())
	}
}
