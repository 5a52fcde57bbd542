package main

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	disktest "github.com/i5heu/ouroboros-disktest"
	"github.com/i5heu/ouroboros-disktest/internal/types"
	"github.com/i5heu/ouroboros-disktest/pkg/cancel"
	"github.com/i5heu/ouroboros-disktest/pkg/rawio"
	"github.com/i5heu/ouroboros-disktest/pkg/spaceInformations"
)

const (
	exitOk          = 0
	exitMismatch    = 1
	exitFailure     = 2
	exitInterrupted = 130
)

const example = `  disktest -j0 -w -v /dev/sdX          write and verify the whole device
  disktest -j0 -S mySeed /dev/sdX       verify a device written earlier with seed mySeed
  disktest -w -b 10GiB -S s ./test.img  write 10GiB into a file
  disktest -w -v --journal ~/.disktest /dev/sdX
  disktest -w -v --journal ~/.disktest --resume -S <seed> /dev/sdX`

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	code := exitOk
	cmd := &cobra.Command{
		Use:           "disktest [flags] DEVICE",
		Short:         "Write and verify a pseudo random pattern to find broken storage media",
		Example:       example,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			o, err := parseOptions(v, args)
			if err != nil {
				return err
			}
			code, err = run(o, stdout, stderr)
			return err
		},
	}
	addFlags(cmd)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	return code
}

func run(o options, stdout, stderr io.Writer) (int, error) {
	log := logrus.New()
	log.SetOutput(stderr)
	log.SetLevel(o.logLevel())

	seed := o.Seed
	if !o.UserSeed {
		var err error
		seed, err = disktest.GenerateSeed()
		if err != nil {
			return exitFailure, err
		}
		log.WithField("seed", seed).Warn("No seed given, generated one. Keep it to verify this device later")
	}

	mode := rawio.ReadOnly
	if o.Mode != types.ModeVerify {
		mode = rawio.ReadWrite
	}
	var dev rawio.Device
	fileDev, err := rawio.Open(o.Device, mode, rawio.Options{Direct: o.Direct, Create: mode == rawio.ReadWrite, Logger: log})
	if err != nil {
		return exitFailure, err
	}
	dev = rawio.NewRetryDevice(fileDev, log)
	defer func() {
		if err := dev.Close(); err != nil {
			log.WithError(err).Error("Failed to close device")
		}
	}()

	length, untilFull, err := resolveLength(o, dev, log)
	if err != nil {
		return exitFailure, err
	}

	flag := cancel.NewFlag()
	stop := cancel.NotifyOnSignal(flag, log, os.Exit, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &disktest.Config{
		Threads:             o.Threads,
		BufferSize:          o.BufferSize,
		Algorithm:           o.Algorithm,
		Invert:              o.Invert,
		StopOnFirstMismatch: o.StopOnMismatch,
		MismatchLimit:       o.MismatchLimit,
		JournalPath:         o.Journal,
		Logger:              log,
		Cancel:              flag,
	}
	var bar *barSink
	if o.Quiet == 0 {
		bar = newBarSink(stderr, length)
		cfg.Progress = bar
		cfg.LogInterval = -1
	}

	d, err := disktest.Init(cfg)
	if err != nil {
		return exitFailure, err
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.WithError(err).Error("Failed to close journal")
		}
	}()

	var res types.RunResult
	if o.Resume {
		res, err = d.Resume(dev, o.Device, []byte(seed))
	} else {
		res, err = d.Rounds(dev, disktest.Request{
			Target:    o.Device,
			Seed:      []byte(seed),
			Round:     o.StartRound,
			Start:     o.Seek,
			Length:    length,
			Mode:      o.Mode,
			UntilFull: untilFull,
		}, o.roundCount())
	}
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return exitFailure, err
	}

	fmt.Fprint(stdout, types.FormatRunResult(res))
	if res.Status == types.StatusCancelled && !o.UserSeed {
		fmt.Fprintf(stdout, "Seed:        %s\n", seed)
	}
	return exitCode(res.Status), nil
}

// resolveLength turns --bytes 0 into the testable size of the target. Writes
// into a regular file may grow it into the free space of its filesystem and
// stop cleanly when that runs out.
func resolveLength(o options, dev rawio.Device, log logrus.FieldLogger) (uint64, bool, error) {
	if o.Bytes != 0 {
		return o.Bytes, false, nil
	}

	info, err := spaceInformations.Inspect(o.Device)
	if err != nil {
		return 0, false, err
	}
	size, err := dev.Size()
	if err != nil {
		return 0, false, err
	}
	info.Size = size
	spaceInformations.DisplayTargetInfo(log, info)

	var length uint64
	if o.Mode == types.ModeVerify {
		if o.Seek < size {
			length = size - o.Seek
		}
	} else {
		length = info.AvailableLength(o.Seek)
	}
	if length == 0 {
		return 0, false, fmt.Errorf("%w: nothing to test beyond offset %d of %s", types.ErrConfiguration, o.Seek, o.Device)
	}
	return length, o.Mode != types.ModeVerify, nil
}

func exitCode(s types.Status) int {
	switch s {
	case types.StatusOk:
		return exitOk
	case types.StatusVerificationFailed:
		return exitMismatch
	case types.StatusCancelled:
		return exitInterrupted
	}
	return exitFailure
}
