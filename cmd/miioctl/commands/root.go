package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihome-go/miioc/internal/netio"
	"github.com/mihome-go/miioc/miio"
)

var (
	// tokenHex, deviceAddr, and devicePort identify the target device;
	// PersistentFlags so every subcommand shares them.
	tokenHex   string
	deviceAddr string
	devicePort uint16

	// requestTimeout and maxAttempts tune the client's retry behavior.
	requestTimeout time.Duration
	maxAttempts    int
)

var errDeviceAddrRequired = errors.New("--address is required")

// rootCmd is the top-level cobra command for miioctl.
var rootCmd = &cobra.Command{
	Use:   "miioctl",
	Short: "CLI client for the Mi Home binary control protocol",
	Long:  "miioctl sends handshake-authenticated calls directly to a Mi Home device over UDP.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&tokenHex, "token", "", "device token (32 hex characters)")
	rootCmd.PersistentFlags().StringVar(&deviceAddr, "address", "", "device IP address")
	rootCmd.PersistentFlags().Uint16Var(&devicePort, "port", miio.DefaultPort, "device UDP port")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 10*time.Second, "per-attempt request timeout")
	rootCmd.PersistentFlags().IntVar(&maxAttempts, "attempts", 3, "maximum attempts per call")

	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(getPropCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newClient builds a transport-backed miio.Client from the persistent
// flags. The returned closeFn tears down both the client and its transport
// and must be called once the command is done with it.
func newClient() (c *miio.Client, closeFn func(), err error) {
	if deviceAddr == "" {
		return nil, nil, errDeviceAddrRequired
	}

	transport := netio.New(nil)

	client, err := miio.NewClient(transport, tokenHex, deviceAddr,
		miio.WithPort(devicePort),
		miio.WithRequestTimeout(requestTimeout),
		miio.WithMaxAttempts(maxAttempts),
	)
	if err != nil {
		_ = transport.Close()
		return nil, nil, fmt.Errorf("new client: %w", err)
	}

	return client, func() {
		_ = client.Close()
		_ = transport.Close()
	}, nil
}
