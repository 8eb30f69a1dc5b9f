package main

import (
	"fmt"

	"github.com/chronos-imaging/chronos/internal/chronos/logging"
	"github.com/chronos-imaging/chronos/internal/engine/verify"
	"github.com/spf13/cobra"
)

func newVerifyCommand() *cobra.Command {
	var withHash bool

	cmd := &cobra.Command{
		Use:   "verify <image>",
		Short: "Check an image file reads cleanly to EOF and is at least 75% of its sidecar's expected size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			res, err := verify.VerifyImage(path)
			if err != nil {
				return fmt.Errorf("verify failed: %w", err)
			}

			log := logging.Logger()
			log.Infof("verify ok: file_size=%d expected_allocated=%d ratio=%.3f", res.FileSizeBytes, res.ExpectedAllocatedBytes, res.Ratio)

			if withHash {
				sum, err := verify.ComputeHash(path)
				if err != nil {
					return fmt.Errorf("hash failed: %w", err)
				}
				fmt.Println(sum)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withHash, "hash", false, "also compute and print the SHA-256 hash of the image")

	return cmd
}
