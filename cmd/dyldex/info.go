package main

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/appsworld/dyldextractor/pkg/dyldcache"
)

// infoCmd is the read-only cache inspector supplemented from
// original_source/DyldEx/dyldex_info.cpp: it prints the header, mapping
// ranges, and image table without running any extraction.
var infoCmd = &cobra.Command{
	Use:           "info <DSC>",
	Short:         "Print a dyld shared cache's header, mappings, and image table",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cachePath := filepath.Clean(args[0])
		c, err := dyldcache.Open(cachePath)
		if err != nil {
			return errors.Wrap(err, "failed to open shared cache")
		}

		fmt.Printf("Architecture: %s\n", c.Arch.Name)
		fmt.Printf("Sub-caches:   %d\n", len(c.SubCaches))
		for _, sc := range c.SubCaches {
			fmt.Printf("  %-40s  %d mapping(s)\n", sc.Path, len(sc.Mappings))
			for _, m := range sc.Mappings {
				fmt.Printf("    addr=%#x size=%#x fileOffset=%#x auth=%t\n",
					m.Address, m.Size, m.FileOffset, m.IsAuthData())
			}
		}
		fmt.Printf("Images: %d\n", len(c.Images))
		for _, img := range c.Images {
			fmt.Printf("  %#016x  %s\n", img.Address, img.Name)
		}
		return nil
	},
}
