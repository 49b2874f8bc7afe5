package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/appsworld/dyldextractor/pkg/activity"
	"github.com/appsworld/dyldextractor/pkg/extractor"
)

func init() {
	rootCmd.Flags().BoolP("verbose", "V", false, "Enable debug logging")
	rootCmd.Flags().StringP("output", "o", "", "Directory to write extracted dylibs to")
	rootCmd.Flags().Bool("force", false, "Overwrite existing extracted dylibs")
	viper.BindPFlag("dyldexall.output", rootCmd.Flags().Lookup("output"))
	viper.BindPFlag("dyldexall.force", rootCmd.Flags().Lookup("force"))
	viper.BindPFlag("dyldexall.verbose", rootCmd.Flags().Lookup("verbose"))
}

// rootCmd loops extractor.Extract over every image in the cache, on the
// calling goroutine, sharing one Context (and therefore one symbol
// accelerator) across the whole run.
var rootCmd = &cobra.Command{
	Use:           "dyldex-all <DSC>",
	Short:         "Extract every image out of a dyld shared cache",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("dyldexall.verbose") {
			log.SetLevel(log.DebugLevel)
		}

		cachePath := filepath.Clean(args[0])
		ctx, err := extractor.NewContext(cachePath)
		if err != nil {
			return errors.Wrap(err, "failed to open shared cache")
		}

		outDir := viper.GetString("dyldexall.output")
		if outDir == "" {
			outDir = filepath.Dir(cachePath)
		}

		progress := activity.NewProgressSet()
		bar := progress.AddImageBar("extract", len(ctx.Cache.Images))

		var failures int
		for _, img := range ctx.Cache.Images {
			res, err := ctx.Extract(img.Name)
			if err != nil {
				log.Warnf("skipping %s: %v", img.Name, err)
				failures++
				bar.Increment()
				continue
			}

			outPath := filepath.Join(outDir, filepath.Base(img.Name))
			if _, statErr := os.Stat(outPath); statErr == nil && !viper.GetBool("dyldexall.force") {
				bar.Increment()
				continue
			}
			if err := res.File.Export(outPath, nil, res.File.GetBaseAddress(), nil); err != nil {
				log.Warnf("failed to write %s: %v", outPath, err)
				failures++
			}
			bar.Increment()
		}
		progress.Wait()

		if failures > 0 {
			return fmt.Errorf("%d image(s) failed to extract", failures)
		}
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
