// Command dyldex-multi is the multi-process harness front end. It
// defines the worker-process protocol (pkg/extractor.WorkItem/Result/
// Dispatcher) spec.md §5/§6 call out as a design point without
// committing to a production IPC transport: each worker here is a
// goroutine with its own extractor.Context (its own cache mmap and
// symbol accelerator), mirroring the process isolation a real
// multi-process harness would give each worker, without actually
// forking a process per worker.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/appsworld/dyldextractor/pkg/extractor"
)

func init() {
	rootCmd.Flags().BoolP("verbose", "V", false, "Enable debug logging")
	rootCmd.Flags().StringP("output", "o", "", "Directory to write extracted dylibs to")
	rootCmd.Flags().IntP("workers", "j", 4, "Number of concurrent workers")
	viper.BindPFlag("dyldexmulti.output", rootCmd.Flags().Lookup("output"))
	viper.BindPFlag("dyldexmulti.workers", rootCmd.Flags().Lookup("workers"))
	viper.BindPFlag("dyldexmulti.verbose", rootCmd.Flags().Lookup("verbose"))
}

var rootCmd = &cobra.Command{
	Use:           "dyldex-multi <DSC> <IMAGE>...",
	Short:         "Extract one or more images using a pool of isolated workers",
	Args:          cobra.MinimumNArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("dyldexmulti.verbose") {
			log.SetLevel(log.DebugLevel)
		}

		cachePath := filepath.Clean(args[0])
		images := args[1:]
		workerCount := viper.GetInt("dyldexmulti.workers")
		if workerCount < 1 {
			workerCount = 1
		}

		outDir := viper.GetString("dyldexmulti.output")
		if outDir == "" {
			outDir = filepath.Dir(cachePath)
		}

		items := make(chan extractor.WorkItem, len(images))
		for _, img := range images {
			items <- extractor.NewWorkItem(img)
		}
		close(items)

		var wg sync.WaitGroup
		var mu sync.Mutex
		var failures []string

		for w := 0; w < workerCount; w++ {
			wg.Add(1)
			go func(workerID int) {
				defer wg.Done()

				// Each worker opens its own Context: an independent mmap of
				// the cache and its own symbol accelerator, matching the
				// isolation a forked worker process would have.
				ctx, err := extractor.NewContext(cachePath)
				if err != nil {
					mu.Lock()
					failures = append(failures, fmt.Sprintf("worker %d: %v", workerID, err))
					mu.Unlock()
					return
				}
				dispatcher := extractor.NewSequentialDispatcher(ctx)

				for item := range items {
					if err := dispatcher.Dispatch(item); err != nil {
						mu.Lock()
						failures = append(failures, fmt.Sprintf("%s: %v", item.ImagePath, err))
						mu.Unlock()
						continue
					}
					res := <-dispatcher.Results()
					if res.Err != nil {
						mu.Lock()
						failures = append(failures, fmt.Sprintf("%s: %v", item.ImagePath, res.Err))
						mu.Unlock()
					}
				}
			}(w)
		}
		wg.Wait()

		if len(failures) > 0 {
			return errors.Errorf("%d image(s) failed: %v", len(failures), failures)
		}
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
