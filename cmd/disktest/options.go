package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/i5heu/ouroboros-disktest/internal/keystream"
	"github.com/i5heu/ouroboros-disktest/internal/types"
)

const envPrefix = "DISKTEST"

// options is the resolved command line after flag, environment and config
// file values were merged by viper.
type options struct {
	Device         string
	Mode           types.Mode
	Seek           uint64
	Bytes          uint64 // 0 means up to the end of the device
	Algorithm      keystream.Algorithm
	Seed           string
	UserSeed       bool
	Invert         bool
	Threads        int
	BufferSize     int
	Rounds         uint64 // 0 means infinite
	StartRound     uint64
	Quiet          int
	StopOnMismatch bool
	MismatchLimit  int
	Direct         bool
	Journal        string
	Resume         bool
}

func addFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.BoolP("write", "w", false, "write the pseudo random pattern to the device")
	f.BoolP("verify", "v", false, "verify the pattern; with --write the device is written first")
	f.StringP("seek", "s", "0", "byte position to start at, e.g. 4096, 10MiB")
	f.StringP("bytes", "b", "0", "number of bytes to test, 0 means up to the end of the device")
	f.StringP("algorithm", "A", string(keystream.ChaCha20), "pattern generator: CHACHA20, CHACHA12, CHACHA8, AESCTR or CRC")
	f.StringP("seed", "S", "", "seed for the pattern; generated when writing without one")
	f.BoolP("invert-pattern", "i", false, "invert every bit of the pattern")
	f.IntP("threads", "j", 1, "worker count, 0 means one per CPU")
	f.String("buffer", "1MiB", "bytes per I/O request")
	f.Uint64P("rounds", "R", 1, "number of rounds, 0 repeats until a round fails")
	f.Uint64("start-round", 0, "index of the first round")
	f.IntP("quiet", "q", 0, "0 normal, 1 no progress bar, 2 warnings only, 3 errors only")
	f.Bool("stop-on-mismatch", false, "stop the whole run at the first corrupt region")
	f.Int("mismatch-limit", 0, "corrupt regions listed in the report, 0 means 10")
	f.Bool("direct", true, "use O_DIRECT for aligned requests")
	f.String("journal", "", "directory of the checkpoint journal, empty disables it")
	f.Bool("resume", false, "continue the last interrupted run on the device from the journal")
	cmd.PersistentFlags().String("config", "", "config file (yaml, toml or json)")
}

func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
		return nil, err
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: failed to read config %s: %w", types.ErrConfiguration, path, err)
		}
	}
	return v, nil
}

func parseOptions(v *viper.Viper, args []string) (options, error) {
	var o options
	if len(args) != 1 {
		return o, fmt.Errorf("%w: exactly one device argument expected", types.ErrConfiguration)
	}
	o.Device = args[0]

	write, verify := v.GetBool("write"), v.GetBool("verify")
	switch {
	case write && verify:
		o.Mode = types.ModeWriteThenVerify
	case write:
		o.Mode = types.ModeWrite
	default:
		o.Mode = types.ModeVerify
	}

	var err error
	if o.Seek, err = parseBytes("seek", v.GetString("seek")); err != nil {
		return o, err
	}
	if o.Bytes, err = parseBytes("bytes", v.GetString("bytes")); err != nil {
		return o, err
	}
	buffer, err := parseBytes("buffer", v.GetString("buffer"))
	if err != nil {
		return o, err
	}
	if buffer == 0 || buffer > 1<<30 {
		return o, fmt.Errorf("%w: buffer must be between 1 byte and 1GiB", types.ErrConfiguration)
	}
	o.BufferSize = int(buffer)

	if o.Algorithm, err = keystream.ParseAlgorithm(v.GetString("algorithm")); err != nil {
		return o, err
	}

	o.Seed = v.GetString("seed")
	o.UserSeed = o.Seed != ""
	if !o.UserSeed && o.Mode == types.ModeVerify {
		return o, fmt.Errorf("%w: verify-only mode requires --seed", types.ErrConfiguration)
	}

	o.Invert = v.GetBool("invert-pattern")
	o.Threads = v.GetInt("threads")
	if o.Threads < 0 || o.Threads > 1<<16 {
		return o, fmt.Errorf("%w: threads out of range", types.ErrConfiguration)
	}

	o.Rounds = v.GetUint64("rounds")
	o.StartRound = v.GetUint64("start-round")
	if o.Rounds != 0 && o.StartRound >= o.Rounds {
		o.Rounds = o.StartRound + 1
	}

	o.Quiet = v.GetInt("quiet")
	if o.Quiet < 0 || o.Quiet > 3 {
		return o, fmt.Errorf("%w: invalid quiet level %d, allowed: 0, 1, 2, 3", types.ErrConfiguration, o.Quiet)
	}

	o.StopOnMismatch = v.GetBool("stop-on-mismatch")
	o.MismatchLimit = v.GetInt("mismatch-limit")
	o.Direct = v.GetBool("direct")
	o.Journal = v.GetString("journal")
	o.Resume = v.GetBool("resume")
	if o.Resume && o.Journal == "" {
		return o, fmt.Errorf("%w: --resume requires --journal", types.ErrConfiguration)
	}
	if o.Resume && !o.UserSeed {
		return o, fmt.Errorf("%w: --resume requires the --seed of the interrupted run", types.ErrConfiguration)
	}
	return o, nil
}

func parseBytes(name, s string) (uint64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid --%s %q: %w", types.ErrConfiguration, name, s, err)
	}
	return n, nil
}

// logLevel maps the quiet level onto logrus.
func (o options) logLevel() logrus.Level {
	switch o.Quiet {
	case 0, 1:
		return logrus.InfoLevel
	case 2:
		return logrus.WarnLevel
	}
	return logrus.ErrorLevel
}

// roundCount is what Disktest.Rounds expects.
func (o options) roundCount() uint64 {
	if o.Rounds == 0 {
		return 0
	}
	return o.Rounds - o.StartRound
}
