package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/appsworld/dyldextractor/pkg/extractor"
)

func init() {
	rootCmd.Flags().BoolP("verbose", "V", false, "Enable debug logging")
	rootCmd.Flags().StringP("output", "o", "", "Directory to write the extracted dylib to")
	rootCmd.Flags().Bool("force", false, "Overwrite an existing extracted dylib")
	viper.BindPFlag("dyldex.output", rootCmd.Flags().Lookup("output"))
	viper.BindPFlag("dyldex.force", rootCmd.Flags().Lookup("force"))
	viper.BindPFlag("dyldex.verbose", rootCmd.Flags().Lookup("verbose"))

	rootCmd.AddCommand(infoCmd)
}

var rootCmd = &cobra.Command{
	Use:           "dyldex <DSC> <IMAGE>",
	Short:         "Extract one image out of a dyld shared cache",
	Args:          cobra.ExactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("dyldex.verbose") {
			log.SetLevel(log.DebugLevel)
		}

		cachePath := filepath.Clean(args[0])
		imagePath := args[1]

		if _, err := os.Lstat(cachePath); err != nil {
			return errors.Wrapf(err, "cache %s does not exist", cachePath)
		}

		ctx, err := extractor.NewContext(cachePath)
		if err != nil {
			return errors.Wrap(err, "failed to open shared cache")
		}

		res, err := ctx.Extract(imagePath)
		if err != nil {
			return errors.Wrapf(err, "failed to extract %s", imagePath)
		}

		outDir := viper.GetString("dyldex.output")
		if outDir == "" {
			outDir = filepath.Dir(cachePath)
		}
		outPath := filepath.Join(outDir, filepath.Base(imagePath))

		if _, err := os.Stat(outPath); err == nil && !viper.GetBool("dyldex.force") {
			return fmt.Errorf("%s already exists, pass --force to overwrite", outPath)
		}

		if err := res.File.Export(outPath, nil, res.File.GetBaseAddress(), nil); err != nil {
			return errors.Wrapf(err, "failed to write %s", outPath)
		}
		log.Infof("extracted %s", outPath)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
