package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"inscribe/fsm"
	"inscribe/helper"
	"inscribe/operation"
	"inscribe/verify"
)

var errAborted = errors.New("aborted by user")

// staleDownloadAge is how old a partial download must be before it is removed.
const staleDownloadAge = 24 * time.Hour

var (
	flashCmd = &cobra.Command{
		Use:   "flash <image|url> <device>",
		Short: "Write an image to a device",
		Long: `Write a disk image to a whole block device. The image may be a local file or
an http(s):// or s3:// URL, which is downloaded into the cache first.`,
		Args: cobra.ExactArgs(2),
		RunE: runFlash,
	}

	eraseCmd = &cobra.Command{
		Use:   "erase <device>",
		Short: "Erase a device",
		Args:  cobra.ExactArgs(1),
		RunE:  runErase,
	}

	formatCmd = &cobra.Command{
		Use:   "format <device>",
		Short: "Create a filesystem on a device",
		Args:  cobra.ExactArgs(1),
		RunE:  runFormat,
	}
)

func init() {
	for _, cmd := range []*cobra.Command{flashCmd, eraseCmd, formatCmd} {
		cmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
		cmd.Flags().Bool("json", false, "print progress as JSON lines")
	}

	flashCmd.Flags().String("sha256", "", "expected sha256 of the image")
	flashCmd.Flags().Bool("verify", false, "read back sampled regions of the device after writing")

	eraseCmd.Flags().String("mode", "auto", "erase mode ("+strings.Join(operation.EraseModes, ", ")+")")

	formatCmd.Flags().String("fs", "ext4", "filesystem ("+strings.Join(operation.Filesystems, ", ")+")")
	formatCmd.Flags().String("label", "", "filesystem label")
}

func isRemote(image string) bool {
	for _, scheme := range []string{"http://", "https://", "s3://"} {
		if strings.HasPrefix(image, scheme) {
			return true
		}
	}
	return false
}

func runFlash(cmd *cobra.Command, args []string) error {
	a, ctx, err := newApp(cmd.Context())
	if err != nil {
		return err
	}

	image, dev := args[0], args[1]
	sum, _ := cmd.Flags().GetString("sha256")
	check, _ := cmd.Flags().GetBool("verify")

	if isRemote(image) {
		image, err = a.fetchImage(ctx, image, sum)
		if err != nil {
			return err
		}
	} else if sum != "" {
		if err := verify.ValidateChecksum(image, sum); err != nil {
			return err
		}
	}

	req := operation.Request{Kind: operation.KindFlash, Device: dev, Image: image}
	if check {
		req.Verify = &operation.VerifyOptions{Samples: a.cfg.Samples, SampleSize: a.cfg.SampleSize}
	}
	return a.destroy(ctx, cmd, req, fmt.Sprintf("All data on %s will be overwritten with %s.", dev, image))
}

func runErase(cmd *cobra.Command, args []string) error {
	a, ctx, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	mode, _ := cmd.Flags().GetString("mode")

	req := operation.Request{Kind: operation.KindErase, Device: args[0], Mode: mode}
	return a.destroy(ctx, cmd, req, fmt.Sprintf("All data on %s will be erased (%s).", args[0], mode))
}

func runFormat(cmd *cobra.Command, args []string) error {
	a, ctx, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	fs, _ := cmd.Flags().GetString("fs")
	label, _ := cmd.Flags().GetString("label")

	req := operation.Request{Kind: operation.KindFormat, Device: args[0], Filesystem: fs, Label: label}
	return a.destroy(ctx, cmd, req, fmt.Sprintf("%s will be repartitioned and formatted as %s.", args[0], fs))
}

// destroy validates req, asks for confirmation and runs it to completion.
func (a *app) destroy(ctx context.Context, cmd *cobra.Command, req operation.Request, warning string) error {
	if err := req.Validate(); err != nil {
		return err
	}

	yes, _ := cmd.Flags().GetBool("yes")
	if err := confirm(yes, warning); err != nil {
		return err
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	return a.runOperation(ctx, req, newSink(jsonOutput))
}

func confirm(yes bool, warning string) error {
	if yes {
		return nil
	}
	if !isTerminal(os.Stdin) {
		return errors.New("refusing to continue without --yes when stdin is not a terminal")
	}

	color.Red("WARNING: %s", warning)
	ok := false
	prompt := &survey.Confirm{
		Message: "Continue?",
		Default: false,
	}
	if err := survey.AskOne(prompt, &ok); err != nil {
		return err
	}
	if !ok {
		return errAborted
	}
	return nil
}

// runOperation starts req on a fresh fsm manager and waits for it. Cancelling
// ctx cancels the operation; the wait continues until its completion has been
// recorded.
func (a *app) runOperation(ctx context.Context, req operation.Request, sink operation.Sink) error {
	store, err := a.openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	classifier, err := a.newClassifier()
	if err != nil {
		return err
	}

	manager, err := a.newManager()
	if err != nil {
		return fmt.Errorf("failed to create fsm manager: %w", err)
	}
	stopMetrics := a.serveMetrics()
	defer cleanup(a.logger, manager, stopMetrics)

	slot := helper.NewSlot()
	orch, err := operation.New(ctx, operation.Config{
		Logger:     a.logger,
		Manager:    manager,
		Launcher:   a.newLauncher(slot),
		Slot:       slot,
		Classifier: classifier,
		History:    store,
		Sink:       sink,
	})
	if err != nil {
		return err
	}

	if err := orch.Resume(ctx); err != nil {
		a.logger.WithError(err).Error("failed to resume interrupted operations")
	}

	h, err := orch.Start(ctx, req)
	if err != nil {
		return err
	}
	a.logger.WithFields(logrus.Fields{
		"id":      h.ID,
		"kind":    h.Kind,
		"version": h.Version.String(),
	}).Info("operation started")

	return orch.Wait(context.WithoutCancel(ctx), h)
}

// cleanup shuts the manager down once the operation has finished.
func cleanup(logger logrus.FieldLogger, manager *fsm.Manager, stopMetrics func(context.Context)) {
	logger.Debug("starting cleanup")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopMetrics(ctx)
	if manager != nil {
		manager.Shutdown(30 * time.Second)
	}

	logger.Debug("cleanup completed")
}

// downloaderConfig keeps reserve bytes free on the destination filesystem.
func (a *app) downloaderConfig(reserve uint64) verify.DownloaderConfig {
	cfg := verify.DownloaderConfig{S3Region: a.cfg.S3Region, Reserve: reserve}
	if isTerminal(os.Stderr) {
		cfg.Progress = func(total int64) io.Writer {
			return progressbar.DefaultBytes(total, "downloading")
		}
	}
	return cfg
}

// fetchImage downloads rawURL into the cache unless a copy with the expected
// digest is already there, and returns the local path.
func (a *app) fetchImage(ctx context.Context, rawURL, expected string) (string, error) {
	cache := verify.NewCache(a.cfg.CacheDir)
	if err := cache.Prepare(); err != nil {
		return "", err
	}
	if n, err := cache.Cleanup(ctx, staleDownloadAge); err != nil {
		a.logger.WithError(err).Warn("failed to clean image cache")
	} else if n > 0 {
		a.logger.WithField("removed", n).Info("removed stale downloads")
	}

	dest := cache.Path(rawURL)
	if expected != "" {
		if err := verify.ValidateChecksum(dest, expected); err == nil {
			a.logger.WithField("local_path", dest).Info("using cached image")
			return dest, nil
		}
	}

	downloader := verify.NewDownloader(a.downloaderConfig(cache.Reserve))
	if _, err := downloader.Download(ctx, rawURL, dest, expected); err != nil {
		return "", err
	}
	return dest, nil
}
