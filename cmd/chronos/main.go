// Command chronos is the CLI driver for the imaging engine: backup,
// restore, clone, verify, list, and an interactive partition browser, all
// built on the same engine packages the core exposes as a library.
package main

import (
	"fmt"
	"os"

	"github.com/chronos-imaging/chronos/internal/allocranges"
	"github.com/chronos-imaging/chronos/internal/chronos/config"
	"github.com/chronos-imaging/chronos/internal/chronos/logging"
	"github.com/chronos-imaging/chronos/internal/codec"
	"github.com/chronos-imaging/chronos/internal/diskenum"
	"github.com/chronos-imaging/chronos/internal/rawio"
	"github.com/chronos-imaging/chronos/internal/snapshot"
	"github.com/chronos-imaging/chronos/internal/vdisk"
	"github.com/spf13/cobra"
)

var configPath string

// deps bundles every collaborator the engines need, built once from the
// live Windows backends and handed to whichever subcommand runs.
type deps struct {
	cfg        *config.Config
	provider   rawio.Provider
	disks      *diskenum.Enumerator
	containers *vdisk.Service
	ranges     allocranges.Provider
	snapshots  *snapshot.Coordinator
	codec      *codec.Codec
}

func buildDeps() (*deps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &deps{
		cfg:        cfg,
		provider:   rawio.NewOSProvider(rawio.WindowsGeometryProber{}, rawio.PowerShellPreparer{}),
		disks:      diskenum.New(rawio.WindowsGeometryProber{}, diskenum.WMIRoleSource{}, diskenum.WMIVolumePathSource{}),
		containers: vdisk.NewService(vdisk.PowerShellBackend{}),
		ranges:     allocranges.WindowsProvider{},
		snapshots:  snapshot.New(snapshot.VSSBackend{}),
		codec:      codec.New(cfg.CopyBufferSizeBytes),
	}, nil
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "chronos",
		Short:         "Block-level disk imaging: backup, restore, clone, verify, browse",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a chronos config YAML file")

	root.AddCommand(
		newBackupCommand(),
		newRestoreCommand(),
		newCloneCommand(),
		newVerifyCommand(),
		newListCommand(),
		newBrowseCommand(),
	)
	return root
}

func main() {
	log := logging.Logger()
	if err := newRootCommand().Execute(); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}
