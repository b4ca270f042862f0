package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"forkmesh/internal/infra/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		Short:   "Inspect the configuration and encrypt secrets",
		GroupID: "manage",
	}
	cmd.AddCommand(newConfigEncryptCommand(), newConfigShowCommand())
	return cmd
}

func newConfigEncryptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <value>",
		Short: "Encrypt a value with FORKMESH_CONFIG_KEY for use in the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			key := os.Getenv("FORKMESH_CONFIG_KEY")
			if key == "" {
				return fmt.Errorf("FORKMESH_CONFIG_KEY is not set")
			}
			enc, err := config.EncryptValue(args[0], key)
			if err != nil {
				return err
			}
			fmt.Println(enc)
			return nil
		},
	}
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after defaults and env overrides",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg.Database.Primary = redact(cfg.Database.Primary)
			if cfg.Cluster != nil {
				cfg.Cluster.RedisURL = redact(cfg.Cluster.RedisURL)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
}
