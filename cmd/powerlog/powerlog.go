// Copyright (C) 2024 The PipeTalk Authors. All Rights Reserved.

// Program powerlog records battery and power event history and answers
// queries about it. The serve command runs the back-end, which speaks
// PipeTalk on its standard input and output; the query commands run a
// front-end that starts the back-end as a child process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/battery-analytics/pipetalk"
	"github.com/battery-analytics/pipetalk/backend"
	"github.com/battery-analytics/pipetalk/channel"
	"github.com/battery-analytics/pipetalk/config"
	"github.com/battery-analytics/pipetalk/frontend"
	"github.com/battery-analytics/pipetalk/logging"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/taskgroup"
)

var settings struct {
	Config  string `flag:"config,Configuration file path"`
	DataDir string `flag:"data-dir,Directory for the history database"`
	LogFile string `flag:"log-file,Write logs to this file as JSON"`
	Debug   bool   `flag:"debug,Enable verbose logging"`
}

var queryFlags struct {
	Start string        `flag:"start,Select logs at or after this time (ISO 8601)"`
	End   string        `flag:"end,Select logs before this time (ISO 8601)"`
	Last  time.Duration `flag:"last,Select logs from this long ago until now"`
	Group time.Duration `flag:"group,Keep the first battery log of each interval of this length"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Usage: `<command> [arguments]
help [<command>]`,
		Help: "Record and query battery and power event history.",

		SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &settings) },

		Commands: []*command.C{
			{
				Name: "serve",
				Help: `Run the back-end on standard input and output.

The back-end answers PipeTalk requests from a front-end until its input is
closed or it receives SIGINT or SIGTERM. Logs are written to standard error,
and to the configured log file. Send SIGHUP to reopen the log file.`,
				Run: runServe,
			},
			{
				Name:  "battery",
				Usage: "[--start t] [--end t] [--last d] [--group d]",
				Help:  "Print the recorded battery state logs as JSON.",

				SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &queryFlags) },
				Run:      runQuery(backend.MethodBatteryStateLogs),
			},
			{
				Name:  "events",
				Usage: "[--start t] [--end t] [--last d]",
				Help:  "Print the recorded system events as JSON.",

				SetFlags: func(_ *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &queryFlags) },
				Run:      runQuery(backend.MethodSystemEventLogs),
			},
			{
				Name: "encode",
				Usage: `request <id> <method> [<json>]
response <id> result|error [<json>]`,
				Help: "Print the PipeTalk line for a request or response.",
				Run:  runEncode,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// loadConfig reads the configuration and applies the command-line settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(settings.Config)
	if err != nil {
		return nil, err
	}
	if settings.DataDir != "" {
		cfg.Storage.DataDir = settings.DataDir
	}
	if settings.LogFile != "" {
		cfg.Logging.File = settings.LogFile
	}
	if settings.Debug {
		cfg.Logging.Level = "debug"
		cfg.Logging.FileLevel = "debug"
	}
	return cfg, cfg.Validate()
}

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Standard output carries the channel, so logs go to standard error.
	log, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	g := taskgroup.New(nil)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				if err := log.Rotate(); err != nil {
					log.Error(err, "Reopening log file")
				}
			}
		}
	})
	defer g.Wait()

	conn := channel.Stdio()
	p := backend.New(cfg, log.WithName("backend"))
	return backend.Serve(ctx, pipetalk.New(conn.R, conn.W).LogMessages(func(m pipetalk.MessageInfo) {
		log.V(1).Info("Message", "info", m.String())
	}), p)
}

// backendCommand returns the command to start the back-end: the configured
// command if set, otherwise this program's serve command.
func backendCommand(cfg *config.Config) ([]string, error) {
	if len(cfg.Frontend.BackendCommand) != 0 {
		return cfg.Frontend.BackendCommand, nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	cmd := []string{self, "serve", "--data-dir", cfg.Storage.DataDir}
	if settings.Config != "" {
		cmd = append(cmd, "--config", settings.Config)
	}
	if settings.LogFile != "" {
		cmd = append(cmd, "--log-file", settings.LogFile)
	}
	if settings.Debug {
		cmd = append(cmd, "--debug")
	}
	return cmd, nil
}

// queryParams converts the query flags to the keyword mapping of a query.
func queryParams(method string, now time.Time) (map[string]any, error) {
	params := make(map[string]any)
	if queryFlags.Start != "" && queryFlags.Last > 0 {
		return nil, errors.New("--start and --last are mutually exclusive")
	}
	if queryFlags.Start != "" {
		params["time_start"] = queryFlags.Start
	} else if queryFlags.Last > 0 {
		params["time_start"] = now.Add(-queryFlags.Last).UTC().Format(time.RFC3339Nano)
	}
	if queryFlags.End != "" {
		params["time_end"] = queryFlags.End
	}
	if queryFlags.Group != 0 {
		if method != backend.MethodBatteryStateLogs {
			return nil, errors.New("--group applies only to battery logs")
		}
		params["group_by_interval"] = queryFlags.Group.Seconds()
		if start, ok := params["time_start"]; ok {
			params["group_by_interval_start"] = start
		}
	}
	return params, nil
}

func runQuery(method string) func(*command.Env) error {
	return func(env *command.Env) error {
		if len(env.Args) != 0 {
			return env.Usagef("extra arguments: %q", env.Args)
		}
		params, err := queryParams(method, time.Now())
		if err != nil {
			return env.Usagef("%v", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Frontend.BackendCommand, err = backendCommand(cfg); err != nil {
			return err
		}

		// The front-end logs only to the console.
		lcfg := cfg.Logging
		lcfg.File = ""
		if !settings.Debug {
			lcfg.Level = "warn"
		}
		log, err := logging.New(lcfg, os.Stderr)
		if err != nil {
			return err
		}
		defer log.Close()

		ctx := context.Background()
		f := frontend.New(cfg.Frontend, log.WithName("frontend"))
		if err := f.Main(ctx); err != nil {
			return err
		}
		data, qerr := f.Call(ctx, method, params)
		if err := f.Unload(ctx); err != nil {
			log.Error(err, "Unloading back-end")
		}
		if qerr != nil {
			return qerr
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("invalid result: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
}

func runEncode(env *command.Env) error {
	if len(env.Args) < 3 || len(env.Args) > 4 {
		return env.Usagef("wrong number of arguments")
	}
	var data json.RawMessage
	if len(env.Args) == 4 {
		data = json.RawMessage(env.Args[3])
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON payload: %q", env.Args[3])
		}
	}
	id := env.Args[1]
	var line []byte
	var err error
	switch env.Args[0] {
	case "request":
		line = pipetalk.Request{ID: id, Method: env.Args[2], Data: data}.Encode()
		err = new(pipetalk.Request).UnmarshalText(line)
	case "response":
		kind := pipetalk.Kind(env.Args[2])
		if kind != pipetalk.KindResult && kind != pipetalk.KindError {
			return env.Usagef("invalid response kind %q", env.Args[2])
		}
		line = pipetalk.Response{ID: id, Kind: kind, Data: data}.Encode()
		err = new(pipetalk.Response).UnmarshalText(line)
	default:
		return env.Usagef("unknown message type %q", env.Args[0])
	}
	if err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	fmt.Printf("%s\n", line)
	return nil
}
