package main

import (
	"fmt"

	"github.com/chronos-imaging/chronos/internal/chronos/logging"
	"github.com/chronos-imaging/chronos/internal/engine/restore"
	"github.com/chronos-imaging/chronos/internal/model"
	"github.com/chronos-imaging/chronos/internal/progress"
	"github.com/spf13/cobra"
)

func newRestoreCommand() *cobra.Command {
	var (
		sourceImage    string
		target         string
		verifyDuring   bool
		forceOverwrite bool
		jobFilePath    string
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore an image file onto a disk or partition",
		Long: `Restore streams a backup image onto a target disk or partition. A
virtual-disk container source supports restoring onto a smaller target via
clamped sparse-range copying; a plain image source requires a target within
a small tolerance of the image size. A system or boot disk target is
refused unless --force is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jf, err := loadJobFile(jobFilePath)
			if err != nil {
				return err
			}

			job := model.RestoreJob{
				SourceImagePath: firstNonEmpty(sourceImage, jf.Source),
				Target:          firstNonEmpty(target, jf.Target),
				VerifyDuring:    verifyDuring || jf.VerifyDuring,
				ForceOverwrite:  forceOverwrite || jf.ForceOverwrite,
			}
			if job.SourceImagePath == "" || job.Target == "" {
				return fmt.Errorf("restore requires --image and --target (or a --job-file providing them)")
			}

			d, err := buildDeps()
			if err != nil {
				return err
			}

			engine := &restore.Engine{
				Provider:        d.provider,
				Disks:           d.disks,
				Containers:      d.containers,
				AllocatedRanges: d.ranges,
				Codec:           d.codec,
			}

			reporter := progress.NewTerminal(fmt.Sprintf("restore %s -> %s", job.SourceImagePath, job.Target))
			res, err := engine.Execute(cmd.Context(), job, restore.Options{
				BufferSize: d.cfg.CopyBufferSizeBytes,
				Reporter:   reporter,
			})
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			logging.Logger().Infof("restore complete: bytes_written=%d", res.BytesWritten)
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceImage, "image", "", "source image file path")
	cmd.Flags().StringVar(&target, "target", "", `target descriptor: "N" or "\\.\PhysicalDriveN" for disk N, "N:P" for disk N partition P`)
	cmd.Flags().BoolVar(&verifyDuring, "verify", false, "request verification during restore (logged as unsupported, restore proceeds)")
	cmd.Flags().BoolVar(&forceOverwrite, "force", false, "allow restoring onto a system or boot disk")
	cmd.Flags().StringVar(&jobFilePath, "job-file", "", "YAML job file; flags override its fields")

	return cmd
}
