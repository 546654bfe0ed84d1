// ABOUTME: `prism serve`: read-only web dashboard over every run in the data dir.
// ABOUTME: The server holds no state; each request re-reads the run roots from disk.
package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/leppikallio/prism/web"
)

func serveCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only web dashboard",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.jsonOut {
				return usagef("serve is long-running and has no --json mode")
			}
			if addr == "" {
				addr = a.cfg.ServeAddr
			}
			srv, err := web.NewServer(web.ServerConfig{Addr: addr, RunsDir: a.runsDir()})
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Printf("prism dashboard on http://%s\n", srv.Addr())
			color.New(color.Faint).Printf("runs dir: %s\n", a.runsDir())
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, 127.0.0.1:7464)")
	return cmd
}
