/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package cmd implements the sider command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/liuxd6825/sider/common"
	"github.com/liuxd6825/sider/log"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// rootCommand keeps everything the subcommands share. Nothing in here
// reads the process environment directly, so tests can swap it out.
type rootCommand struct {
	ctx    context.Context
	fs     afero.Fs
	env    map[string]string
	stdout io.Writer
	stderr io.Writer
	logger *logrus.Logger
	cmd    *cobra.Command

	optionsPath string
	logLevel    string
	debug       string
	noColor     bool
}

func newRootCommand(ctx context.Context, fs afero.Fs, env map[string]string, stdout, stderr io.Writer) *rootCommand {
	c := &rootCommand{
		ctx:    ctx,
		fs:     fs,
		env:    env,
		stdout: stdout,
		stderr: stderr,
		logger: &logrus.Logger{
			Out:       stderr,
			Formatter: &logrus.TextFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.InfoLevel,
		},
	}
	c.cmd = &cobra.Command{
		Use:               "sider",
		Short:             "drive a browser over its remote debugging protocol",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}
	c.cmd.PersistentFlags().AddFlagSet(c.persistentFlagSet())
	c.cmd.SetOut(stdout)
	c.cmd.SetErr(stderr)

	c.cmd.AddCommand(
		getCmdWatch(c),
		getCmdVersion(c),
	)
	return c
}

func (c *rootCommand) persistentFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.StringVarP(&c.optionsPath, "options", "o", "", "JSON file with browser options")
	flags.StringVar(&c.logLevel, "log-level", "", "log level: trace, debug, info, warning or error")
	flags.StringVar(&c.debug, "debug", "", "comma separated log categories printed at debug level, e.g. network,cdp")
	flags.BoolVar(&c.noColor, "no-color", false, "disable colored output")
	return flags
}

func (c *rootCommand) persistentPreRunE(*cobra.Command, []string) error {
	if c.noColor {
		c.logger.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	}
	return nil
}

// options layers the defaults, the options file, the environment and
// the command line flags, in that order of increasing precedence.
func (c *rootCommand) options() (common.Options, error) {
	var raw []byte
	if c.optionsPath != "" {
		var err error
		if raw, err = afero.ReadFile(c.fs, c.optionsPath); err != nil {
			return common.Options{}, fmt.Errorf("reading options file: %w", err)
		}
	}
	opts, err := common.GetConsolidatedOptions(raw, c.env)
	if err != nil {
		return opts, err
	}

	var flagOpts common.Options
	if c.logLevel != "" {
		flagOpts.LogLevel.SetValid(c.logLevel)
	}
	if c.debug != "" {
		flagOpts.Debug.SetValid(c.debug)
	}
	return opts.Apply(flagOpts), nil
}

// newLogger builds the category logger the driver logs through.
func (c *rootCommand) newLogger(opts common.Options) (*log.Logger, error) {
	return opts.NewLogger(c.ctx, c.logger)
}

func buildEnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// Execute runs the command line until it finishes or the process is
// interrupted.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stdoutTTY := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	c := newRootCommand(ctx, afero.NewOsFs(), buildEnvMap(os.Environ()),
		colorable.NewColorableStdout(), colorable.NewColorableStderr())
	if !stdoutTTY {
		c.noColor = true
	}

	if err := c.cmd.ExecuteContext(ctx); err != nil {
		c.logger.WithError(err).Error("sider failed")
		cancel()
		os.Exit(1) //nolint:gocritic
	}
}
