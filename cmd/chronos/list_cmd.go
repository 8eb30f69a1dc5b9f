package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List disks and their partitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}

			disks, err := d.disks.ListDisks()
			if err != nil {
				return fmt.Errorf("list disks: %w", err)
			}

			for _, disk := range disks {
				roleTag := ""
				if disk.IsSystem {
					roleTag += " [system]"
				}
				if disk.IsBoot {
					roleTag += " [boot]"
				}
				fmt.Printf("disk %d  %-20s %-20s %12d bytes%s\n", disk.Index, disk.Model, disk.Serial, disk.SizeBytes, roleTag)

				parts, err := d.disks.ListPartitions(disk.Index)
				if err != nil {
					fmt.Printf("    (partitions unavailable: %v)\n", err)
					continue
				}
				for _, p := range parts {
					fmt.Printf("    partition %-3d offset %12d size %12d type %-10s %s\n", p.Number, p.Offset, p.SizeBytes, p.Type, p.VolumePath)
				}
			}
			return nil
		},
	}

	return cmd
}
