package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/hiberproxy/hiberproxy/internal/app"
	"github.com/hiberproxy/hiberproxy/internal/config"
	"github.com/hiberproxy/hiberproxy/pkg/logger"
)

var (
	serveHTTPAddress     string
	serveHTTPSAddress    string
	serveInternalAddress string
	serveNoTLS           bool
	servePassword        string
)

var serveCmd = &cobra.Command{
	Use:   "serve <config>",
	Short: "Start the proxy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}

		if servePassword != "" {
			// The admin API/dashboard is an out-of-scope collaborator; the
			// core only forwards api_domain traffic to api_address and does
			// not itself enforce authentication on that route.
			logger.Warn("serve: --password is accepted but neither enforced nor passed on by the core")
		}

		a := app.New(cfg, app.Options{
			HTTPAddress:     serveHTTPAddress,
			HTTPSAddress:    serveHTTPSAddress,
			InternalAddress: serveInternalAddress,
			NoTLS:           serveNoTLS,
			ShutdownDrain:   2 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		})
		return a.Run()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHTTPAddress, "address", ":80", "HTTP bind address")
	serveCmd.Flags().StringVar(&serveHTTPSAddress, "https-address", ":443", "HTTPS bind address")
	serveCmd.Flags().StringVar(&serveInternalAddress, "internal-address", ":9091", "bind address for the internal health/readiness/metrics server")
	serveCmd.Flags().BoolVar(&serveNoTLS, "no-tls", false, "disable the HTTPS listener even if [tls].enabled is set in the config")
	serveCmd.Flags().StringVar(&servePassword, "password", "", "admin API password (accepted; not enforced or passed on by the proxy core)")
}
