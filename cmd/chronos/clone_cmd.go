package main

import (
	"fmt"

	"github.com/chronos-imaging/chronos/internal/chronos/logging"
	"github.com/chronos-imaging/chronos/internal/engine/clone"
	"github.com/chronos-imaging/chronos/internal/jobref"
	"github.com/chronos-imaging/chronos/internal/model"
	"github.com/chronos-imaging/chronos/internal/progress"
	"github.com/spf13/cobra"
)

func newCloneCommand() *cobra.Command {
	var (
		source      string
		destination string
	)

	cmd := &cobra.Command{
		Use:   "clone",
		Short: "Copy a disk or partition directly onto another disk or partition",
		Long: `Clone streams bytes directly from a source disk or partition to a
destination disk or partition, with no compression, snapshotting, or
sidecar. Source and destination must name distinct devices.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if source == "" || destination == "" {
				return fmt.Errorf("clone requires --source and --dest")
			}

			srcRef, err := jobref.Parse(source)
			if err != nil {
				return fmt.Errorf("invalid --source %q: %w", source, err)
			}
			dstRef, err := jobref.Parse(destination)
			if err != nil {
				return fmt.Errorf("invalid --dest %q: %w", destination, err)
			}

			job := model.BackupJob{Source: source, Destination: destination}
			if srcRef.Disk() && dstRef.Disk() {
				job.Kind = model.JobDiskClone
			} else {
				job.Kind = model.JobPartitionClone
			}

			d, err := buildDeps()
			if err != nil {
				return err
			}

			reporter := progress.NewTerminal(fmt.Sprintf("clone %s -> %s", source, destination))
			res, err := clone.Execute(cmd.Context(), d.provider, job, clone.Options{
				BufferSize: d.cfg.CopyBufferSizeBytes,
				Reporter:   reporter,
			})
			if err != nil {
				return fmt.Errorf("clone failed: %w", err)
			}

			logging.Logger().Infof("clone complete: bytes_written=%d", res.BytesWritten)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", `source descriptor: "N" or "\\.\PhysicalDriveN" for disk N, "N:P" for disk N partition P`)
	cmd.Flags().StringVar(&destination, "dest", "", `destination descriptor: "N" or "\\.\PhysicalDriveN" for disk N, "N:P" for disk N partition P`)

	return cmd
}
