package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"hwwallet/pkg/config"
	"hwwallet/pkg/logging"
	"hwwallet/pkg/models"
	"hwwallet/pkg/rpc"
	"hwwallet/pkg/utils"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version should be set during build
var Version = "dev"

const envPrefix = "HWWALLET"

// annotationLoad set to "skip" keeps a command from loading the configuration.
const annotationLoad = "load"

// cli carries what the persistent flags resolved to.
type cli struct {
	v      *viper.Viper
	path   string
	cfg    config.Config
	logger *zap.Logger
	undo   func()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root := &cobra.Command{
		Use:          "hwwallet",
		Short:        "Hardware wallet account discovery and sending for EVM networks",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[annotationLoad] == "skip" {
				return nil
			}
			return c.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.undo != nil {
				c.undo()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "Path to configuration file")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.String("log-file", "", "Also write logs to this file")
	pf.Bool("development", false, "Use the development console logger")
	pf.String("mnemonic", "", "BIP-39 mnemonic of the emulated device")
	pf.String("passphrase", "", "Passphrase of the emulated device")
	for _, name := range []string{"config", "log-level", "log-file", "development", "mnemonic", "passphrase"} {
		_ = c.v.BindPFlag(name, pf.Lookup(name))
	}

	root.AddCommand(
		newVersionCmd(),
		newCheckCmd(c),
		newDiscoverCmd(c),
		newSendCmd(c),
		newServeCmd(c),
		newConfigCmd(c),
	)
	return root
}

// load reads the configuration and installs the logger.
func (c *cli) load() error {
	path, err := config.GetConfigPath(c.v.GetString("config"))
	if err != nil {
		return errors.Wrap(err, "config path")
	}
	cfg, err := config.LoadConfigFromFile(path)
	if err != nil {
		return errors.Wrapf(err, "load config from %s", path)
	}
	if lvl := c.v.GetString("log-level"); lvl != "" {
		cfg.Global.LogLevel = lvl
	}
	if f := c.v.GetString("log-file"); f != "" {
		cfg.Global.LogFile = f
	}
	if c.v.GetBool("development") {
		cfg.Global.Development = true
	}

	logger, undo, err := logging.Init(cfg.Global.Development, cfg.Global.LogFile, cfg.Global.LogLevel)
	if err != nil {
		return errors.Wrap(err, "logger")
	}
	c.path, c.cfg, c.logger, c.undo = path, cfg, logger, undo
	return nil
}

func (c *cli) newApp() (*app, error) {
	mnemonic := c.v.GetString("mnemonic")
	if mnemonic == "" {
		return nil, errors.Errorf("a mnemonic is required (--mnemonic or %s_MNEMONIC)", envPrefix)
	}
	return newApp(c.cfg, mnemonic, c.v.GetString("passphrase"), c.logger)
}

func (c *cli) network(name string) (config.NetworkConfig, error) {
	if name == "" {
		return c.cfg.Selected(), nil
	}
	n, ok := c.cfg.Network(name)
	if !ok {
		return config.NetworkConfig{}, errors.Errorf("unknown network %q", name)
	}
	return n, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version and exit",
		Annotations: map[string]string{annotationLoad: "skip"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hwwallet version %s\n", Version)
		},
	}
}

func newCheckCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and probe every RPC endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			g := rpc.NewGateway(c.cfg.Networks,
				rpc.WithRetryPolicy(rpc.RetryPolicy{MaxAttempts: 1}),
				rpc.WithTimeout(config.Duration(c.cfg.Global.RequestTimeoutSeconds)),
				rpc.WithLogger(c.logger.Named("rpc")))
			defer g.Close()

			report := runCheck(cmd.Context(), g, c.cfg, c.path)
			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, report); err != nil {
					return err
				}
			} else {
				printReport(out, report)
			}
			if !report.Healthy {
				return errors.New("configuration check failed")
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Output check results as JSON")
	return cmd
}

func runCheck(ctx context.Context, g *rpc.Gateway, cfg config.Config, path string) models.CheckReport {
	report := models.CheckReport{
		ConfigPath:     path,
		ValidStructure: true,
		NetworkCount:   len(cfg.Networks),
		Healthy:        true,
	}
	if err := config.Validate(cfg); err != nil {
		report.ValidStructure = false
		report.Healthy = false
		report.StructureErrors = append(report.StructureErrors, err.Error())
		return report
	}

	for _, n := range cfg.Networks {
		probe, err := g.ProbeEndpoints(ctx, n.Shortcut)
		if err != nil {
			report.StructureErrors = append(report.StructureErrors, err.Error())
			report.Healthy = false
			continue
		}
		ok := false
		for _, r := range probe.RPCs {
			if r.Status == "ok" && r.Error == "" {
				ok = true
			}
		}
		if probe.Inconsistent {
			report.InconsistentNetworks = append(report.InconsistentNetworks, n.Name)
		}
		if !ok || probe.Inconsistent {
			report.Healthy = false
		}
		report.Networks = append(report.Networks, probe)
	}
	return report
}

func printReport(w io.Writer, report models.CheckReport) {
	fmt.Fprintf(w, "Testing configuration at: %s\n", report.ConfigPath)
	for _, e := range report.StructureErrors {
		fmt.Fprintf(w, "Error: %s\n", e)
	}
	if !report.ValidStructure {
		return
	}
	fmt.Fprintf(w, "Found %d networks.\n", report.NetworkCount)
	for _, n := range report.Networks {
		fmt.Fprintf(w, "Testing network: %s (%s)\n", n.Name, n.Symbol)
		for _, r := range n.RPCs {
			switch {
			case r.Status != "ok":
				fmt.Fprintf(w, "  RPC: %s ... Failed: %s\n", r.URL, utils.TruncateString(r.Error, 120))
			case r.Error != "":
				fmt.Fprintf(w, "  RPC: %s ... OK (ChainID: %d) - %s\n", r.URL, r.ChainID, r.Error)
			default:
				fmt.Fprintf(w, "  RPC: %s ... OK (ChainID: %d, %s) - Verified\n", r.URL, r.ChainID, r.Latency)
			}
		}
	}
	if len(report.InconsistentNetworks) > 0 {
		fmt.Fprintln(w, "\nWARNING: Inconsistent RPCs detected!")
		fmt.Fprintln(w, "The following networks have RPCs returning conflicting Chain IDs:")
		for _, name := range report.InconsistentNetworks {
			fmt.Fprintf(w, " - %s\n", name)
		}
	}
}

func newDiscoverCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover the accounts of the device on a network",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("network")
			n, err := c.network(name)
			if err != nil {
				return err
			}
			a, err := c.newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()
			if err := a.connect(ctx); err != nil {
				return err
			}
			if err := a.discovery.Start(ctx, a.device, n.Shortcut, true); err != nil {
				return errors.Wrapf(err, "discover %s", n.Shortcut)
			}

			accounts := a.store.Accounts(a.device.State, n.Shortcut)
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return writeJSON(cmd.OutOrStdout(), accounts)
			}
			printAccounts(cmd.OutOrStdout(), n, accounts)
			return nil
		},
	}
	cmd.Flags().String("network", "", "Network shortcut (defaults to the selected network)")
	cmd.Flags().Bool("json", false, "Output accounts as JSON")
	return cmd
}

func printAccounts(w io.Writer, n config.NetworkConfig, accounts []models.Account) {
	fmt.Fprintf(w, "%s accounts:\n", n.Name)
	for _, acc := range accounts {
		state := ""
		if acc.Empty {
			state = " (empty)"
		}
		fmt.Fprintf(w, "  #%d  %s  %s %s  nonce %d%s\n",
			acc.Index, acc.Address, utils.FormatAmount(acc.Balance, 6), n.Symbol, acc.Nonce, state)
	}
}

func newSendCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Sign and broadcast a transaction from a discovered account",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			name, _ := f.GetString("network")
			index, _ := f.GetUint32("account")
			from, _ := f.GetString("from")
			to, _ := f.GetString("to")
			amount, _ := f.GetString("amount")
			currency, _ := f.GetString("currency")
			gasPrice, _ := f.GetString("gas-price")
			data, _ := f.GetString("data")

			n, err := c.network(name)
			if err != nil {
				return err
			}
			a, err := c.newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()
			if err := a.connect(ctx); err != nil {
				return err
			}
			if err := a.discovery.Start(ctx, a.device, n.Shortcut, true); err != nil {
				return errors.Wrapf(err, "discover %s", n.Shortcut)
			}
			acc, err := a.account(n.Shortcut, from, index)
			if err != nil {
				return err
			}
			a.watcher.Refresh(ctx, n.Shortcut)

			if err := a.send.Select(ctx, a.device, acc); err != nil {
				return err
			}
			steps := []func() (models.SendFormState, error){
				func() (models.SendFormState, error) { return a.send.OnAddressChange(ctx, to) },
			}
			if currency != "" && !strings.EqualFold(currency, n.Symbol) {
				steps = append(steps, func() (models.SendFormState, error) { return a.send.OnCurrencyChange(ctx, currency) })
			}
			steps = append(steps, func() (models.SendFormState, error) { return a.send.OnAmountChange(ctx, amount) })
			if gasPrice != "" {
				steps = append(steps, func() (models.SendFormState, error) { return a.send.OnGasPriceChange(ctx, gasPrice) })
			}
			if data != "" {
				steps = append(steps, func() (models.SendFormState, error) { return a.send.OnDataChange(ctx, data) })
			}

			var form models.SendFormState
			for _, step := range steps {
				if form, err = step(); err != nil {
					return err
				}
			}
			if len(form.Errors) > 0 {
				keys := make([]string, 0, len(form.Errors))
				for k := range form.Errors {
					keys = append(keys, k+": "+form.Errors[k])
				}
				sort.Strings(keys)
				return errors.Errorf("invalid transaction: %s", strings.Join(keys, "; "))
			}

			txid, err := a.send.OnSend(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Sent %s %s to %s (fee %s)\n", form.Amount, form.Currency, utils.ShortAddress(form.Address), form.SelectedFeeLevel.Label)
			if url := n.TxURL(txid); url != "" {
				fmt.Fprintf(out, "Tx URL: %s\n", url)
			} else {
				fmt.Fprintf(out, "Tx: %s\n", txid)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.String("network", "", "Network shortcut (defaults to the selected network)")
	f.Uint32("account", 0, "Index of the sending account")
	f.String("from", "", "Address of the sending account, instead of --account")
	f.String("to", "", "Recipient address")
	f.String("amount", "", "Amount in currency units")
	f.String("currency", "", "Token symbol to send instead of the network coin")
	f.String("gas-price", "", "Gas price in gwei")
	f.String("data", "", "Hex data for coin transfers")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run discovery, watchers and the HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetInt("port")
			if !cmd.Flags().Changed("port") {
				if p := c.v.GetInt("port"); p != 0 {
					port = p
				} else {
					port = c.cfg.Global.ServerPort
				}
			}
			a, err := c.newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()
			return a.run(ctx, fmt.Sprintf(":%d", port))
		},
	}
	cmd.Flags().Int("port", 8080, "Port for the API server")
	return cmd
}

func newConfigCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	skip := map[string]string{annotationLoad: "skip"}

	initCmd := &cobra.Command{
		Use:         "init",
		Short:       "Write the default configuration",
		Annotations: skip,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.GetConfigPath(c.v.GetString("config"))
			if err != nil {
				return errors.Wrap(err, "config path")
			}
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return errors.Errorf("%s already exists (use --force to overwrite it)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return errors.Wrap(err, "config dir")
			}
			if err := config.SaveConfig(config.Default(), path); err != nil {
				return errors.Wrap(err, "save config")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "Overwrite an existing file, keeping a backup")

	restoreCmd := &cobra.Command{
		Use:         "restore",
		Short:       "Restore the most recent configuration backup",
		Annotations: skip,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.GetConfigPath(c.v.GetString("config"))
			if err != nil {
				return errors.Wrap(err, "config path")
			}
			if err := config.RestoreLastBackup(path); err != nil {
				return errors.Wrap(err, "restore config")
			}
			cfg, err := config.LoadConfigFromFile(path)
			if err != nil {
				return errors.Wrap(err, "restored config")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s (%d networks)\n", path, len(cfg.Networks))
			return nil
		},
	}

	cmd.AddCommand(initCmd, restoreCmd)
	return cmd
}
