package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"inscribe/device"
	"inscribe/helper"
	"inscribe/history"
	"inscribe/operation"
	"inscribe/verify"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List removable block devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ctx, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		all, _ := cmd.Flags().GetBool("all")

		devices, err := device.NewInventory(a.logger).List(ctx, all)
		if err != nil {
			return err
		}
		if asJSON(cmd) {
			return writeJSON(os.Stdout, devices)
		}
		printDevices(os.Stdout, devices)
		return nil
	},
}

func printDevices(out io.Writer, devices []device.BlockDevice) {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No removable devices found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tSIZE\tMODEL\tTRANSPORT\tREMOVABLE")
	for _, d := range devices {
		model := strings.TrimSpace(d.Vendor + " " + d.Model)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", d.Path, humanize.IBytes(d.Size), model, d.Transport, d.Removable)
	}
	w.Flush()
}

var checksumCmd = &cobra.Command{
	Use:   "checksum <file>",
	Short: "Print the sha256 of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sum, err := verify.Digest(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", sum, args[0])
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <url> <dest>",
	Short: "Download an image and check its sha256",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ctx, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		expected, _ := cmd.Flags().GetString("sha256")

		downloader := verify.NewDownloader(a.downloaderConfig(0))
		sum, err := downloader.Download(ctx, args[0], args[1], expected)
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", sum, args[1])
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <image> <device>",
	Short: "Compare sampled regions of an image against a device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		if err := device.ValidatePath(args[1]); err != nil {
			return err
		}

		samples, _ := cmd.Flags().GetInt("samples")
		if samples <= 0 {
			samples = a.cfg.Samples
		}
		equal, err := verify.SampledCompareFiles(args[0], args[1], samples, a.cfg.SampleSize)
		if err != nil {
			return err
		}
		if !equal {
			return operation.ErrVerificationMismatch
		}
		color.Green("%s matches %s", args[1], args[0])
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Stop the running operation",
	Long: `Send SIGTERM to the helper of the running operation. The device is left in
whatever state the helper reached.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ctx, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		store, err := a.openHistory()
		if err != nil {
			return err
		}
		defer store.Close()

		running, err := store.Running(ctx)
		if err != nil {
			return err
		}
		return cancelRunning(os.Stdout, running, history.ProcessAlive, helper.Terminate)
	},
}

// cancelRunning signals the helper of each running operation. A recorded PID
// that is no longer alive may have been reused, so it is skipped.
func cancelRunning(out io.Writer, running []history.Operation, alive func(int) bool, terminate func(int) error) error {
	signalled := 0
	for _, op := range running {
		if op.PID <= 0 {
			continue
		}
		if !alive(op.PID) {
			fmt.Fprintf(out, "Skipping %s on %s: pid %d is gone\n", op.Kind, op.Device, op.PID)
			continue
		}
		if err := terminate(op.PID); err != nil {
			return fmt.Errorf("failed to stop %s on %s: %w", op.Kind, op.Device, err)
		}
		fmt.Fprintf(out, "Sent SIGTERM to %s on %s (pid %d)\n", op.Kind, op.Device, op.PID)
		signalled++
	}
	if signalled == 0 {
		return errors.New("no operation is running")
	}
	return nil
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent operations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ctx, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := a.openHistory()
		if err != nil {
			return err
		}
		defer store.Close()

		ops, err := store.List(ctx, limit)
		if err != nil {
			return err
		}
		if asJSON(cmd) {
			return writeJSON(os.Stdout, ops)
		}
		printHistory(os.Stdout, ops)
		return nil
	},
}

func printHistory(out io.Writer, ops []history.Operation) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tDEVICE\tSTATE\tSTARTED\tERROR")
	for _, op := range ops {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			op.ID, op.Kind, op.Device, op.State, humanize.Time(op.CreatedAt), firstLine(op.Error))
	}
	w.Flush()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Inspect the privileged helper installation",
}

var setupCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the helper and its sudoers rule are installed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		status, err := helper.CheckInstall(helper.InstallConfig{
			HelperPath:   a.cfg.HelperPath,
			SudoersPath:  a.cfg.SudoersPath,
			ManifestPath: a.cfg.ManifestPath,
		})
		if err != nil {
			return err
		}
		if asJSON(cmd) {
			if err := writeJSON(os.Stdout, status); err != nil {
				return err
			}
		} else {
			printInstallStatus(os.Stdout, status)
		}
		if !status.OK() {
			return fmt.Errorf("helper installation has %d problem(s)", len(status.Problems))
		}
		return nil
	},
}

func printInstallStatus(out io.Writer, s *helper.InstallStatus) {
	fmt.Fprintf(out, "helper:   %s (present: %t, marker: %t)\n", s.HelperPath, s.HelperPresent, s.MarkerPresent)
	if s.DigestChecked {
		fmt.Fprintf(out, "digest:   %s\n", s.Digest)
	}
	fmt.Fprintf(out, "sudoers:  present: %t, verified: %t\n", s.SudoersPresent, s.SudoersVerified)
	for _, p := range s.Problems {
		color.New(color.FgYellow).Fprintf(out, "  - %s\n", p)
	}
	if s.OK() {
		color.New(color.FgGreen).Fprintln(out, "installation OK")
	}
}

var setupElevateCmd = &cobra.Command{
	Use:   "elevate",
	Short: "Ask for administrator rights once through pkexec",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ctx, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		if err := a.newLauncher(helper.NewSlot()).Elevate(ctx); err != nil {
			return err
		}
		color.Green("elevation granted")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("inscribe %s (commit %s, built %s)\n", version, commit, date)
	},
}

func init() {
	devicesCmd.Flags().Bool("all", false, "include non-removable disks")
	downloadCmd.Flags().String("sha256", "", "expected sha256 of the download")
	verifyCmd.Flags().Int("samples", 0, "number of regions to compare")
	historyCmd.Flags().Int("limit", 20, "number of operations to show")

	for _, cmd := range []*cobra.Command{devicesCmd, historyCmd, setupCheckCmd} {
		cmd.Flags().Bool("json", false, "print JSON")
	}

	setupCmd.AddCommand(setupCheckCmd, setupElevateCmd)
}

func asJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
