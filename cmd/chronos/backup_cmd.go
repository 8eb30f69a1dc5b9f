package main

import (
	"fmt"

	"github.com/chronos-imaging/chronos/internal/chronos/logging"
	"github.com/chronos-imaging/chronos/internal/engine/backup"
	"github.com/chronos-imaging/chronos/internal/jobref"
	"github.com/chronos-imaging/chronos/internal/model"
	"github.com/chronos-imaging/chronos/internal/progress"
	"github.com/spf13/cobra"
)

func newBackupCommand() *cobra.Command {
	var (
		source      string
		destination string
		compression int
		useSnapshot bool
		jobFilePath string
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up a disk or partition to an image file",
		Long: `Back up captures a whole disk or a single partition to a plain image
file or a virtual-disk container (.vhd/.vhdx), choosing sparse-range
copying automatically when the destination and filesystem support it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jf, err := loadJobFile(jobFilePath)
			if err != nil {
				return err
			}

			job := model.BackupJob{
				Source:            firstNonEmpty(source, jf.Source),
				Destination:       firstNonEmpty(destination, jf.Destination),
				CompressionEffort: compression,
				UseSnapshot:       useSnapshot || jf.UseSnapshot,
			}
			if job.Source == "" || job.Destination == "" {
				return fmt.Errorf("backup requires --source and --dest (or a --job-file providing them)")
			}

			ref, err := jobref.Parse(job.Source)
			if err != nil {
				return fmt.Errorf("invalid --source %q: %w", job.Source, err)
			}
			if ref.Disk() {
				job.Kind = model.JobFullDisk
			} else {
				job.Kind = model.JobPartition
			}

			d, err := buildDeps()
			if err != nil {
				return err
			}

			engine := &backup.Engine{
				Provider:        d.provider,
				Disks:           d.disks,
				Containers:      d.containers,
				Snapshots:       d.snapshots,
				AllocatedRanges: d.ranges,
				Codec:           d.codec,
			}

			reporter := progress.NewTerminal(fmt.Sprintf("backup %s -> %s", job.Source, job.Destination))
			res, err := engine.Execute(cmd.Context(), job, backup.Options{
				BufferSize: d.cfg.CopyBufferSizeBytes,
				Reporter:   reporter,
			})
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			logging.Logger().Infof("backup complete: state=%s bytes_copied=%d expected_allocated=%d",
				res.State, res.BytesCopied, res.ExpectedAllocated)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", `source descriptor: "N" or "\\.\PhysicalDriveN" for disk N, "N:P" for disk N partition P`)
	cmd.Flags().StringVar(&destination, "dest", "", "destination image path (.vhdx/.vhd for a container, any other extension for a plain image)")
	cmd.Flags().IntVar(&compression, "compression", 0, "compression effort 1-12 (0 disables compression; plain image destinations only)")
	cmd.Flags().BoolVar(&useSnapshot, "snapshot", false, "take a volume snapshot before reading, when available")
	cmd.Flags().StringVar(&jobFilePath, "job-file", "", "YAML job file; flags override its fields")

	return cmd
}
