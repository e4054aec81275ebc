package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kibshh/frugal-iot-server/backend/internal/config"
	"github.com/kibshh/frugal-iot-server/backend/internal/device"
	"github.com/kibshh/frugal-iot-server/backend/internal/firmware"
)

// resolveCmd shows which binary a device would be offered, without a device.
var resolveCmd = &cobra.Command{
	Use:   "resolve <organization> <project> <node> <attributes>",
	Short: "Show the firmware candidates for a device",
	Long: `Lists the candidate locations for a device, most specific first, and
marks the one an update check would serve together with its MD5.`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		id, err := device.NewIdentity(args[0], args[1], args[2], args[3])
		if err != nil {
			return err
		}

		store, err := firmware.OpenDirStore(cfg.OTA.Dir)
		if err != nil {
			return err
		}
		defer store.Close()

		resolver, err := newResolver(cfg, store, zerolog.Nop())
		if err != nil {
			return err
		}

		winner, found := resolver.Resolve(cmd.Context(), id)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "LEVEL\tCANDIDATE\tSTATUS")
		for _, c := range resolver.Candidates(id) {
			status := probeStatus(store, c.Name)
			if found && c.Level == winner.Level {
				status = "selected"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\n", c.Level, filepath.ToSlash(c.Name), status)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if !found {
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s: no firmware, devices get 304\n", id)
			return nil
		}

		digest, err := firmware.DigestFile(cmd.Context(), store, winner.Name)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n%s: %s md5=%s\n", id, filepath.ToSlash(winner.Name), digest)
		return nil
	},
}

func probeStatus(store firmware.Store, name string) string {
	err := store.Probe(name)
	switch {
	case err == nil:
		return "present"
	case errors.Is(err, fs.ErrNotExist):
		return "missing"
	default:
		return "unreadable: " + err.Error()
	}
}

// digestCmd prints the MD5 a device reports once it runs the given binary.
var digestCmd = &cobra.Command{
	Use:   "digest <file>...",
	Short: "Print the MD5 of firmware binaries",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, path := range args {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			digest, err := firmware.Digest(cmd.Context(), f)
			f.Close()
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", digest, path)
		}
		return nil
	},
}
