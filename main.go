package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/metrico/lokiduck/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	var configFile string
	rootCmd := &cobra.Command{
		Use:   "lokiduck",
		Short: "Query and feed Loki with SQL",
		Long: `lokiduck exposes a Loki tenant as a table with the columns
timestamp, labels and line. Filters are translated to LogQL where possible
and evaluated locally otherwise.

Commands:
  lokiduck query <sql>         Run a statement
  lokiduck exec -f script.yaml Run a statement script
  lokiduck explain <sql>       Show the plan and the pushdown decisions
  lokiduck serve               Serve the HTTP API
  lokiduck check               Check the Loki connection`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return config.InitConfig(configFile)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (yaml)")
	pf.String("address", "", "Loki base URL")
	_ = viper.BindPFlag("loki.address", pf.Lookup("address"))
	pf.String("tenant", "", "Loki tenant (X-Scope-OrgID)")
	_ = viper.BindPFlag("loki.tenant", pf.Lookup("tenant"))
	pf.String("table", "", "table name the Loki tenant is registered as")
	_ = viper.BindPFlag("table.name", pf.Lookup("table"))
	pf.String("log.level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("log.level", pf.Lookup("log.level"))

	rootCmd.AddCommand(
		newQueryCmd(),
		newExecCmd(),
		newExplainCmd(),
		newServeCmd(),
		newCheckCmd(),
	)
	return rootCmd
}
