package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/CZERTAINLY/probe-lens/internal/model"
	"github.com/CZERTAINLY/probe-lens/internal/service"

	"github.com/spf13/cobra"
)

var (
	flagProtocol string // value of probe --protocol
	flagTLS      bool   // value of probe --tls
	flagTimeout  int    // value of probe --timeout
)

// doProbe checks the targets given on the command line. The probe section of
// the configuration file is used when one is found, targets and service
// settings are ignored.
func doProbe(cmd *cobra.Command, args []string) error {
	config, closer, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	defer func() {
		_ = closer.Close()
	}()

	targets, err := adHocTargets(args, flagProtocol, flagTLS)
	if err != nil {
		return err
	}
	config.Targets = targets
	if cmd.Flags().Changed("timeout") {
		config.Probe.Timeout = flagTimeout
	}

	runner, err := service.NewRunner(config)
	if err != nil {
		return err
	}
	report, err := runner.Run(cmd.Context())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}

	failed := 0
	for _, res := range report.Results {
		if !res.OK() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d targets failed", failed, len(report.Results))
	}
	return nil
}

// adHocTargets parses host or host:port arguments
func adHocTargets(args []string, protocol string, useTLS bool) ([]model.Target, error) {
	targets := make([]model.Target, 0, len(args))
	for _, arg := range args {
		t := model.Target{
			Host:     arg,
			Protocol: protocol,
			TLS:      useTLS,
		}
		if host, port, err := net.SplitHostPort(arg); err == nil {
			p, err := strconv.ParseUint(port, 10, 16)
			if err != nil || p == 0 {
				return nil, fmt.Errorf("invalid port in %q", arg)
			}
			t.Host, t.Port = host, int(p)
		}
		targets = append(targets, t)
	}
	return targets, nil
}
