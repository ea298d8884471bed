package main

import (
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"rdeer/internal/appversion"
	"rdeer/pkg/client"
)

// Environment variables read by client commands.
const (
	envServer = "RDEER_SERVER"
	envUser   = "RDEER_USER"

	defaultServer  = "localhost:12800"
	defaultTimeout = 10 * time.Minute
)

// clientOptions holds the persistent flags shared by client commands.
type clientOptions struct {
	server  string
	user    string
	timeout time.Duration
}

// newRootCmd creates the root rdeer command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &clientOptions{}

	cmd := &cobra.Command{
		Use:           "rdeer",
		Short:         "Reindeer index server and client",
		Long:          "rdeer serves a directory of Reindeer indexes, one worker process per index,\nand talks to a running server to start, stop and query them.",
		Version:       fmt.Sprintf("rdeer %s (protocol %s)", appversion.String(), appversion.Protocol()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.server, "server", envOr(envServer, defaultServer), "server address host:port (env "+envServer+")")
	pf.StringVar(&opts.user, "user", envOr(envUser, currentUser()), "user name sent with requests (env "+envUser+")")
	pf.DurationVar(&opts.timeout, "timeout", defaultTimeout, "per-request timeout")

	cmd.AddCommand(
		newServeCmd(),
		newListCmd(opts),
		newStartCmd(opts),
		newStopCmd(opts),
		newStatusCmd(opts),
		newCheckCmd(opts),
		newKillCmd(opts),
		newQueryCmd(opts),
		newDashCmd(opts),
		newEventsCmd(),
		newVersionCmd(),
	)

	return cmd
}

// client builds a client from the persistent flags.
func (o *clientOptions) client() *client.Client {
	return client.New(o.server, appversion.Protocol(), client.WithUser(o.user))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}
