package main

import (
	"fmt"

	"github.com/chronos-imaging/chronos/internal/diskenum"
	"github.com/chronos-imaging/chronos/internal/model"
	"github.com/gdamore/tcell"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"
)

func newBrowseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "browse",
		Short: "Interactively browse disks and partitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps()
			if err != nil {
				return err
			}
			return runBrowser(d.disks)
		},
	}
	return cmd
}

// runBrowser drives a two-pane terminal UI: a disk list on the left, the
// selected disk's partitions on the right. Moving the selection to a disk
// refreshes the partition pane; Esc or q quits.
func runBrowser(disks *diskenum.Enumerator) error {
	diskList, err := disks.ListDisks()
	if err != nil {
		return fmt.Errorf("list disks: %w", err)
	}

	app := tview.NewApplication()

	diskPane := tview.NewList().ShowSecondaryText(true)
	diskPane.SetBorder(true).SetTitle(" disks ")

	partitionPane := tview.NewTextView()
	partitionPane.SetBorder(true).SetTitle(" partitions ")
	partitionPane.SetDynamicColors(true)

	refreshPartitions := func(disk model.DiskIdentity) {
		partitionPane.Clear()
		parts, err := disks.ListPartitions(disk.Index)
		if err != nil {
			fmt.Fprintf(partitionPane, "[red]partition table unavailable: %v[-]\n", err)
			return
		}
		if len(parts) == 0 {
			fmt.Fprintln(partitionPane, "(no partitions)")
			return
		}
		for _, p := range parts {
			fmt.Fprintf(partitionPane, "[yellow]%d[-]  offset=%-12d size=%-12d type=%-10s %s\n",
				p.Number, p.Offset, p.SizeBytes, p.Type, p.VolumePath)
		}
	}

	for i, disk := range diskList {
		disk := disk
		role := ""
		if disk.IsSystem {
			role += " system"
		}
		if disk.IsBoot {
			role += " boot"
		}
		main := fmt.Sprintf("disk %d: %s", disk.Index, disk.Model)
		secondary := fmt.Sprintf("%d bytes%s", disk.SizeBytes, role)
		diskPane.AddItem(main, secondary, 0, nil)
		if i == 0 {
			refreshPartitions(disk)
		}
	}
	diskPane.SetChangedFunc(func(index int, _ string, _ string, _ rune) {
		if index >= 0 && index < len(diskList) {
			refreshPartitions(diskList[index])
		}
	})

	root := tview.NewFlex().
		AddItem(diskPane, 0, 1, true).
		AddItem(partitionPane, 0, 2, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc:
			app.Stop()
			return nil
		}
		if event.Rune() == 'q' {
			app.Stop()
			return nil
		}
		return event
	})

	return app.SetRoot(root, true).SetFocus(diskPane).Run()
}
