package main

import (
	"fmt"

	"github.com/ashureev/supportdesk/internal/catalog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newTaxonomyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "taxonomy",
		Short: "Validate and print the sector taxonomy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat := catalog.Default()
			if file != "" {
				loaded, err := catalog.LoadFile(file)
				if err != nil {
					return err
				}
				cat = loaded
			}
			out, err := yaml.Marshal(cat)
			if err != nil {
				return fmt.Errorf("render taxonomy: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "taxonomy YAML file (defaults to the built-in taxonomy)")
	return cmd
}
