// Command bridgectl 在 EdgeX 之外独立运行桥接服务，并提供配置检查与命令下发。
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/v4/clients/logger"
	"github.com/spf13/cobra"

	device_opcua "github.com/linjuya-lu/device_opcua_go"
	"github.com/linjuya-lu/device_opcua_go/internal/app"
	"github.com/linjuya-lu/device_opcua_go/internal/config"
	"github.com/linjuya-lu/device_opcua_go/internal/natsbus"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "bridgectl",
	Short:         "Serial instrument to OPC UA bridge",
	Version:       device_opcua.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, lc, err := load()
		if err != nil {
			return err
		}
		svc, err := app.New(cfg, lc)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return svc.Run(ctx)
	},
}

var checkTimeout time.Duration

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and resolve every OPC UA node once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, lc, err := load()
		if err != nil {
			return err
		}
		svc, err := app.New(cfg, lc)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: instrument %s, commands %v\n",
			cfg.Instrument.Type, svc.Instrument().Commands())
		if cfg.OPCUA == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
		defer cancel()
		nodes, err := svc.CheckOPCUA(ctx)
		if err != nil {
			return err
		}
		for _, name := range nodes.Names() {
			h, _ := nodes.Handle(name)
			fmt.Fprintf(cmd.OutOrStdout(), "  %-24s %s\n", name, h)
		}
		return nil
	},
}

var (
	sendWait    bool
	sendTimeout time.Duration
	sendUser    string
	sendPass    string
)

var sendCmd = &cobra.Command{
	Use:   "send <command> [parameter]",
	Short: "Send one instrument command to a running bridge over NATS",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, lc, err := load()
		if err != nil {
			return err
		}
		if cfg.NATS == nil {
			return fmt.Errorf("send requires a nats section in %s", configPath)
		}
		body := natsbus.CommandBody{Wait: sendWait, User: sendUser, Password: sendPass}
		if len(args) == 2 {
			if f, err := strconv.ParseFloat(args[1], 64); err == nil {
				body.Parameters = f
			} else {
				body.Parameters = args[1]
			}
		}
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}

		nc, err := natsbus.Connect(cfg.NATS, lc)
		if err != nil {
			return err
		}
		defer nc.Close()

		msg, err := nc.Request(cfg.NATS.Subject+".command."+args[0], data, sendTimeout)
		if err != nil {
			return fmt.Errorf("request %s: %w", args[0], err)
		}
		var reply natsbus.Reply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			return fmt.Errorf("decode reply: %w", err)
		}
		if !reply.Success {
			return fmt.Errorf("%s rejected: %s", args[0], reply.Error)
		}
		out, _ := json.MarshalIndent(reply, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func load() (*config.Config, logger.LoggingClient, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Service.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	return cfg, logger.NewClient(cfg.Service.Name, level), nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./res/bridge.yaml", "bridge configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override service.log_level (TRACE, DEBUG, INFO, WARN, ERROR)")

	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 15*time.Second, "OPC UA connect and resolve timeout")

	sendCmd.Flags().BoolVar(&sendWait, "wait", false, "wait until the instrument executed the command")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 5*time.Second, "request timeout")
	sendCmd.Flags().StringVar(&sendUser, "user", "", "credentials user")
	sendCmd.Flags().StringVar(&sendPass, "password", "", "credentials password")

	rootCmd.AddCommand(runCmd, checkCmd, sendCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
