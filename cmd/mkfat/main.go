// Command mkfat formats a FAT16 disk image from a skeleton directory,
// the standalone-tool counterpart to the teacher's mkfs command
// (kernel/mkfs/mkfs.go), rebuilt as a cobra CLI in the shape the rest
// of the pack's command-line tools use.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nyx-project/nyxkernel/image"
)

var totalSectors uint32

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mkfat <output image> <skel dir>",
		Short: "Format a FAT16 disk image from a skeleton directory",
		Long: `mkfat builds a FAT16-formatted disk image, copying every regular
file found directly under the skeleton directory into the image's root
directory.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMkfat(args[0], args[1])
		},
	}
	cmd.Flags().Uint32Var(&totalSectors, "sectors", 0,
		"total image size in 512-byte sectors (0 auto-sizes to the skeleton directory)")
	return cmd
}

func runMkfat(outPath, skelDir string) error {
	fmt.Printf("mkfat %s\n", outPath)
	if err := image.Build(outPath, skelDir, image.Options{TotalSectors: totalSectors}); err != nil {
		return fmt.Errorf("mkfat: %w", err)
	}
	return nil
}
