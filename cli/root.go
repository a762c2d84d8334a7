// Package cli provides the command-line interface for the data-mart
// replicator: a "serve" command that runs the long-running replication
// service, and a "version" command that prints build identity.
//
// Configuration follows the teacher's Cobra/Viper layering (flags >
// environment > config file > defaults): every option is a flag on
// serve bound to a Viper key in init(), with an environment variable
// prefix of DMREP_ plus explicit legacy fallback names for
// compatibility with already-deployed configs (spec.md §6).
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/senzing-garage/data-mart-replicator/version"
)

// cfgFile holds the path to an optional configuration file, mirroring
// the teacher's --config flag.
var cfgFile string

// RootCmd is the entrypoint command.
var RootCmd = &cobra.Command{
	Use:   "datamartreplicator",
	Short: "Maintains a denormalized reporting data mart from entity-resolution change events",
	Long: `datamartreplicator consumes entity-resolution "info" change events and
maintains a denormalized data mart: entity/record/relation tables kept
in sync with the resolution engine, and a family of aggregate reports
(data-source summaries, cross-source summaries, entity-size and
entity-relation breakdowns, and mart-wide totals) kept eventually
consistent through a pending-delta ledger and a periodic follow-up
sweep.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.datamartreplicator.yaml)")

	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(versionCmd)

	bindServeFlags(serveCmd)
}

// bindServeFlags registers every option spec.md §6 names as a flag on
// cmd and binds it to the matching Viper key, with legacy environment
// fallback names preserved for compatibility with already-deployed
// configurations (SPEC_FULL.md §8).
func bindServeFlags(cmd *cobra.Command) {
	flags := cmd.Flags()

	flags.String("core-instance-name", "datamartreplicator", "tag used by the engine accessor")
	flags.String("core-settings", "", "engine accessor base URL, or JSON core-settings text/file path")
	flags.String("core-config-id", "", "pins the engine configuration version")
	flags.String("core-log-level", "info", "engine accessor verbosity (muted/verbose/0/1)")
	flags.Int("core-concurrency", 4, "base concurrency; scheduler runs at 2x, consumer at 2x")
	flags.Int("refresh-config-seconds", 0, "engine auto-refresh policy: positive=period, 0=on-demand, negative=manual")
	flags.String("processing-rate", "standard", "leisurely, standard, or aggressive")

	flags.Bool("database-info-queue", false, "use the database-table info-queue backend")
	flags.String("sqs-info-uri", "", "cloud-queue info-queue URI (https://sqs....)")
	flags.String("rabbit-info-uri", "", "AMQP broker URI for the info queue")
	flags.String("rabbit-info-queue", "", "AMQP queue name for the info queue")

	flags.String("database-uri", "", "mart database URI (postgresql://, sqlite://, sqlite3://, or sz://core-settings/...)")
	flags.String("health-port", "", "port for the /healthz and /readyz HTTP endpoints; empty disables it")
	flags.Duration("idle-after", 0, "how long without task activity, with all pending work at zero, before the service is considered idle (default 5m)")

	bind := func(key, flagName string, legacyEnv ...string) {
		viper.BindPFlag(key, flags.Lookup(flagName))
		envVars := append([]string{"DMREP_" + envName(key)}, legacyEnv...)
		viper.BindEnv(key, envVars...)
	}

	bind("core.instance_name", "core-instance-name", "SENZING_TOOLS_ENGINE_INSTANCE_NAME")
	bind("core.settings", "core-settings", "SENZING_TOOLS_ENGINE_CONFIGURATION_JSON")
	bind("core.config_id", "core-config-id", "SENZING_TOOLS_ENGINE_CONFIGURATION_ID")
	bind("core.log_level", "core-log-level", "SENZING_TOOLS_LOG_LEVEL")
	bind("core.concurrency", "core-concurrency", "SENZING_TOOLS_CONCURRENCY")
	bind("refresh.config_seconds", "refresh-config-seconds")
	bind("processing.rate", "processing-rate")
	bind("queue.database", "database-info-queue")
	bind("queue.sqs_uri", "sqs-info-uri", "SENZING_TOOLS_SQS_INFO_URL")
	bind("queue.rabbit_uri", "rabbit-info-uri", "SENZING_TOOLS_RABBITMQ_INFO_URL")
	bind("queue.rabbit_queue", "rabbit-info-queue", "SENZING_TOOLS_RABBITMQ_INFO_QUEUE")
	bind("database.uri", "database-uri", "SENZING_TOOLS_DATABASE_URL")
	bind("health.port", "health-port")
	bind("idle.after", "idle-after")
}

// envName upper-cases and underscore-joins a dotted Viper key, e.g.
// "queue.rabbit_uri" -> "QUEUE_RABBIT_URI".
func envName(key string) string {
	out := make([]byte, 0, len(key))
	for _, r := range key {
		switch {
		case r == '.':
			out = append(out, '_')
		case r >= 'a' && r <= 'z':
			out = append(out, byte(r-'a'+'A'))
		default:
			out = append(out, byte(r))
		}
	}
	return string(out)
}

// initConfig discovers and loads an optional config file, then enables
// DMREP_-prefixed automatic environment variable lookup for any key not
// already bound to a specific legacy name.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".datamartreplicator")
	}

	viper.SetEnvPrefix("DMREP")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

// versionCmd prints the build identity baked in via -ldflags, or (with
// --deps) the full module dependency list embedded by the Go toolchain.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version.GetInfo().String())
		if depPath, _ := cmd.Flags().GetString("dep"); depPath != "" {
			dep := version.GetDependency(depPath)
			if dep == nil {
				return fmt.Errorf("dependency %q not found in build info", depPath)
			}
			if dep.Replace != "" {
				fmt.Printf("%s %s => %s\n", dep.Path, dep.Version, dep.Replace)
			} else {
				fmt.Printf("%s %s\n", dep.Path, dep.Version)
			}
			return nil
		}
		deps, err := cmd.Flags().GetBool("deps")
		if err != nil || !deps {
			return nil
		}
		info := version.GetBuildInfo()
		fmt.Printf("go: %s, module: %s@%s\n", info.GoVersion, info.MainModule, info.MainVersion)
		for _, dep := range info.Dependencies {
			if dep.Replace != "" {
				fmt.Printf("  %s %s => %s\n", dep.Path, dep.Version, dep.Replace)
				continue
			}
			fmt.Printf("  %s %s\n", dep.Path, dep.Version)
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().Bool("deps", false, "also print every embedded module dependency")
	versionCmd.Flags().String("dep", "", "print the resolved version of a single embedded module dependency")
}
