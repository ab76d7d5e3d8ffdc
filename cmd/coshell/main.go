/* Copyright 2018 Comcast Cable Communications Management, LLC
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// A simple, single-session process that reads events from stdin and
// writes emitted events to stdout.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/coflow/coflow/ast"
	"github.com/coflow/coflow/crew"
	"github.com/coflow/coflow/logging"
	"github.com/coflow/coflow/machine"
	"github.com/coflow/coflow/store"
	"github.com/coflow/coflow/util/testutil"
)

type cfg struct {
	FlowFiles []string
	StateDB   string
	LogLevel  string
	Seed      int64
	CrewID    string
	SessionID string
	Echo      bool
}

type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().StringSlice("flows", nil, "comma separated list of flow definition files (YAML)")
	cmd.Flags().String("state-db", "", "bolt database for session state (empty for none)")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().Int64("seed", 0, "random seed (0 for nondeterministic)")
	cmd.Flags().String("crew-id", "coshell", "crew id used in storage")
	cmd.Flags().String("session-id", "default", "session id")
	cmd.Flags().Bool("echo", false, "echo input events")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err = viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return err
			}
		}
	}

	c.cfg.FlowFiles = viper.GetStringSlice("flows")
	c.cfg.StateDB = viper.GetString("state-db")
	c.cfg.LogLevel = viper.GetString("log-level")
	c.cfg.Seed = viper.GetInt64("seed")
	c.cfg.CrewID = viper.GetString("crew-id")
	c.cfg.SessionID = viper.GetString("session-id")
	c.cfg.Echo = viper.GetBool("echo")

	if len(c.cfg.FlowFiles) == 0 {
		return fmt.Errorf("no flow definition files given (use --flows)")
	}
	return nil
}

func (c *cli) loadFlows() ([]*ast.Flow, error) {
	var defs []*ast.Flow
	for _, filename := range c.cfg.FlowFiles {
		bs, err := os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
		fs, err := ast.DecodeFlows(bs)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", filename, err)
		}
		defs = append(defs, fs...)
	}
	return defs, nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logging.Init(c.cfg.LogLevel)
	defer logging.Sync()
	zl := logging.L()

	defs, err := c.loadFlows()
	if err != nil {
		return err
	}

	opts := machine.Options{Logger: zl}
	if c.cfg.Seed != 0 {
		opts.Rand = rand.New(rand.NewSource(c.cfg.Seed))
	}

	var storage *store.Storage
	if c.cfg.StateDB != "" {
		if storage, err = store.NewStorage(c.cfg.StateDB); err != nil {
			return err
		}
		if err = storage.Open(ctx); err != nil {
			return err
		}
		defer storage.Close(ctx)
		if err = storage.EnsureCrew(ctx, c.cfg.CrewID); err != nil {
			return err
		}
	}

	cr := crew.NewCrew(c.cfg.CrewID, defs, opts)
	s, err := cr.Session(ctx, c.cfg.SessionID)
	if err != nil {
		return err
	}

	if storage != nil {
		st, err := storage.LoadSession(ctx, c.cfg.CrewID, c.cfg.SessionID)
		if err != nil {
			return err
		}
		if st != nil {
			s.Runtime.RestoreState(st)
			zl.Info("restored session state",
				zap.String("session", c.cfg.SessionID))
		}
	}

	save := func() {
		if storage == nil {
			return
		}
		if err := storage.SaveSession(ctx, c.cfg.CrewID, c.cfg.SessionID, s.Runtime.State()); err != nil {
			zl.Warn("save failed", zap.Error(err))
		}
	}

	emit := func(events []map[string]interface{}) {
		for _, e := range events {
			fmt.Println(testutil.JS(e))
		}
	}

	// Timer firings arrive asynchronously.
	s.Out = func(_ context.Context, events []map[string]interface{}) {
		emit(events)
		save()
	}

	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if c.cfg.Echo {
			fmt.Println(line)
		}
		event, is := testutil.Dwimjs(line).(map[string]interface{})
		if !is {
			zl.Warn("input is not a JSON object", zap.String("line", line))
			continue
		}
		out, err := s.Process(ctx, []map[string]interface{}{event})
		if err != nil {
			zl.Error("processing failed", zap.Error(err))
			continue
		}
		emit(out)
		save()
	}
	return in.Err()
}

func main() {
	c := &cli{}

	cmd := &cobra.Command{
		Use:     "coshell",
		Short:   "Run flows against events read from stdin",
		PreRunE: c.setupConfig,
		RunE:    c.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
