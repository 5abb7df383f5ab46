package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/wstap/internal/config"
	"firestige.xyz/wstap/pkg/schema/protoschema"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Validate the configuration file without starting the daemon.

When schema descriptors are configured they are loaded too, and the
namespaces they provide are listed.

Examples:
  wstap validate -c /etc/wstap/config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, cmd.OutOrStdout())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  `Print the configuration after defaults and environment overrides are applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigShow(configFile, cmd.OutOrStdout())
	},
}

func runValidate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	namespaces := "none (schema not configured)"
	if cfg.Schema.Descriptors != "" {
		var manifest *protoschema.Manifest
		if cfg.Schema.Manifest != "" {
			if manifest, err = protoschema.LoadManifest(cfg.Schema.Manifest); err != nil {
				return fmt.Errorf("INVALID: schema manifest: %w", err)
			}
		}
		reg, err := protoschema.LoadDescriptorSet(cfg.Schema.Descriptors, manifest)
		if err != nil {
			return fmt.Errorf("INVALID: schema descriptors: %w", err)
		}
		namespaces = strings.Join(reg.Namespaces(), ", ")
	}

	fmt.Fprintf(out, "VALID: relay %s, proxy enabled=%t, namespaces: %s\n",
		cfg.Relay.URL, cfg.Proxy.Enabled, namespaces)
	return nil
}

func runConfigShow(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"wstap": cfg}); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
