// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command heartbeatfs mounts heartbeatfs at a directory given on the
// command line and serves it until interrupted.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kernelfs/fuse"
	"github.com/kernelfs/fuse/examples/heartbeatfs"
)

var (
	flagForeground       bool
	flagTimeout          time.Duration
	flagUpdateInterval   time.Duration
	flagNoNotify         bool
	flagConfig           string
	flagCongestionThresh uint16

	bindErr error
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "heartbeatfs [flags] mount_point",
	Short: "Mount a self-renaming single-file demo filesystem",
	Args:  cobra.ExactArgs(1),
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.BoolVar(&flagForeground, "foreground", false, "run in the foreground instead of daemonizing")
	flags.DurationVar(&flagTimeout, "timeout", time.Minute, "entry and attribute cache timeout reported to the kernel")
	flags.DurationVar(&flagUpdateInterval, "update-interval", 5*time.Second, "how often the served file renames itself")
	flags.BoolVar(&flagNoNotify, "no-notify", false, "don't send FUSE_NOTIFY_INVAL_ENTRY when renaming")
	flags.StringVar(&flagConfig, "config", "", "optional YAML config file overriding --timeout, --update-interval and --no-notify")
	flags.Uint16Var(&flagCongestionThresh, "congestion-threshold", 0, "background-request congestion threshold reported to the kernel (0 = engine default)")

	for key, name := range map[string]string{
		"timeout":         "timeout",
		"update-interval": "update-interval",
		"no-notify":       "no-notify",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil && bindErr == nil {
			bindErr = err
		}
	}
}

func loadConfig() error {
	if flagConfig == "" {
		return nil
	}
	viper.SetConfigFile(flagConfig)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config %s: %w", flagConfig, err)
	}
	flagTimeout = viper.GetDuration("timeout")
	flagUpdateInterval = viper.GetDuration("update-interval")
	flagNoNotify = viper.GetBool("no-notify")
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	if bindErr != nil {
		return bindErr
	}
	if err := loadConfig(); err != nil {
		return err
	}

	mountPoint, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolving mount point: %w", err)
	}

	if !flagForeground {
		return daemonizeSelf(mountPoint)
	}

	return serve(mountPoint)
}

// daemonizeSelf re-execs the current binary in the background with
// --foreground set, waiting for it to either report a successful mount or
// exit with an error -- the same two-process handoff gcsfuse and other
// fusermount-based daemons use so that "heartbeatfs mnt/" doesn't return
// until the mount is actually ready.
func daemonizeSelf(mountPoint string) error {
	path, err := os.Executable()
	if err != nil {
		return fmt.Errorf("os.Executable: %w", err)
	}

	args := append([]string{"--foreground"}, os.Args[1:]...)
	env := []string{fmt.Sprintf("PATH=%s", os.Getenv("PATH"))}

	if err := daemonize.Run(path, args, env, os.Stdout); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}
	fmt.Println("File system has been successfully mounted.")
	return nil
}

func serve(mountPoint string) (err error) {
	defer func() {
		if err != nil {
			if err2 := daemonize.SignalOutcome(err); err2 != nil {
				log.Printf("daemonize.SignalOutcome: %v", err2)
			}
		}
	}()

	cfg := fuse.MountConfig{
		FSName:              "heartbeatfs",
		Subtype:             "heartbeatfs",
		ReadOnly:            true,
		ErrorLogger:         log.New(os.Stderr, "heartbeatfs: ", log.LstdFlags),
		CongestionThreshold: flagCongestionThresh,
	}

	dev, err := fuse.Mount(mountPoint, cfg)
	if err != nil {
		return fmt.Errorf("fuse.Mount: %w", err)
	}

	fs := heartbeatfs.New(timeutil.RealClock(), flagTimeout)

	session := fuse.NewSession(dev, fs, cfg)
	log.Printf("heartbeatfs: session %s serving %s", session.ID(), mountPoint)
	if !flagNoNotify {
		fs.WatchNotifier(session.Notifier())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	ticker := time.NewTicker(flagUpdateInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				fs.Beat()
			case <-ctx.Done():
				return
			}
		}
	}()

	if err2 := daemonize.SignalOutcome(nil); err2 != nil {
		log.Printf("daemonize.SignalOutcome: %v", err2)
	}

	runErr := session.Run(ctx)
	if closeErr := session.Close(); closeErr != nil && runErr == nil {
		runErr = closeErr
	}
	if runErr != nil && runErr != fuse.ErrDeviceGone && runErr != context.Canceled {
		return fmt.Errorf("session.Run: %w", runErr)
	}

	return fuse.Unmount(mountPoint)
}
