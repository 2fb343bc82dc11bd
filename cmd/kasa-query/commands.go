package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/kasalink/internal/config"
	"github.com/muurk/kasalink/internal/transport"
	"github.com/muurk/kasalink/internal/ui"
)

// Device selection flags, shared by query and add-device
var (
	hostFlag     string
	portFlag     int
	familyFlag   string
	deviceFamily string
	encryption   string
	loginVersion int
	useHTTPS     bool
	username     string
	timeoutSecs  int
	batchSize    int
	jsonOutput   bool
)

func addDeviceFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&hostFlag, "host", "", "Device IP address or hostname")
	cmd.Flags().IntVar(&portFlag, "port", 0, "Device port (default depends on the transport)")
	cmd.Flags().StringVar(&familyFlag, "family", "", "Transport (xor, klap, klapv2, aes, linkie, sslaes)")
	cmd.Flags().StringVar(&deviceFamily, "device-family", "", "Discovery device type, e.g. SMART.TAPOPLUG (used when --family is unset)")
	cmd.Flags().StringVar(&encryption, "encryption", "", "Discovery encryption type: XOR, KLAP or AES")
	cmd.Flags().IntVar(&loginVersion, "login-version", 0, "Discovery login version")
	cmd.Flags().BoolVar(&useHTTPS, "https", false, "Device advertises HTTPS (cameras)")
	cmd.Flags().StringVar(&username, "username", "", "Cloud account username")
	cmd.Flags().IntVar(&timeoutSecs, "timeout", 0, "Per-request timeout in seconds (default depends on the transport)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Calls per multipleRequest (smart devices)")
}

// deviceFromFlags builds a registry entry from the selection flags
func deviceFromFlags() (*config.Device, error) {
	d := &config.Device{
		Host:   hostFlag,
		Port:   portFlag,
		Family: familyFlag,
		Connection: transport.ConnectionType{
			DeviceFamily: deviceFamily,
			Encryption:   encryption,
			LoginVersion: loginVersion,
			HTTPS:        useHTTPS,
		},
		Username:  username,
		Timeout:   timeoutSecs,
		BatchSize: batchSize,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(addDeviceCmd)
	rootCmd.AddCommand(removeDeviceCmd)

	addDeviceFlags(addDeviceCmd)
	devicesCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the device list as JSON")
}

// devicesCmd lists registered devices
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List registered devices",
	Args:  cobra.NoArgs,
	RunE:  runDevices,
}

func runDevices(cmd *cobra.Command, args []string) error {
	registry, err := config.LoadRegistry()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(registry.Devices)
	}

	names := registry.Aliases()
	if len(names) == 0 {
		fmt.Println("No devices registered.")
		fmt.Println("\nUse 'kasa-query add-device <alias> --host <ip> --family <transport>' to add one.")
		return nil
	}

	fmt.Printf("%d device(s):\n\n", len(names))
	for _, alias := range names {
		d := registry.GetDevice(alias)
		cfg, err := d.ConnectionParams(registry.Preferences, nil)
		if err != nil {
			fmt.Printf("%s\n   %s\n\n", ui.MethodFailedStyle.Render(alias), ui.ErrorMessageStyle.Render(err.Error()))
			continue
		}
		fmt.Println(ui.HeaderTitleStyle.UnsetPaddingLeft().Render(alias))
		fmt.Printf("   Address:   %s\n", hostPort(cfg.Host, cfg.Port))
		fmt.Printf("   Transport: %s\n", cfg.Family)
		if u := d.EffectiveUsername(registry.Preferences); u != "" {
			fmt.Printf("   Username:  %s\n", u)
		}
		fmt.Printf("   Last seen: %s\n\n", ui.MutedStyle.Render(lastSeen(d.LastSeen)))
	}
	return nil
}

// addDeviceCmd registers a device under an alias
var addDeviceCmd = &cobra.Command{
	Use:   "add-device <alias>",
	Short: "Register a device under an alias",
	Long: `Register a device so it can be queried by alias.

The transport is chosen with --family, or derived from the discovery
fingerprint given by --device-family, --encryption and --https. Passwords
are never stored; supply them at query time.`,
	Example: `  # A Tapo plug speaking KLAP
  kasa-query add-device "desk plug" --host 192.168.1.40 --device-family SMART.TAPOPLUG --encryption KLAP

  # A legacy Kasa bulb on the XOR port
  kasa-query add-device porch --host 192.168.1.41 --family xor`,
	Args: cobra.ExactArgs(1),
	RunE: runAddDevice,
}

func runAddDevice(cmd *cobra.Command, args []string) error {
	registry, err := config.LoadRegistry()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	d, err := deviceFromFlags()
	if err != nil {
		return err
	}
	alias := args[0]
	replaced := registry.GetDevice(alias) != nil
	if err := registry.AddDevice(alias, d); err != nil {
		return err
	}
	if err := registry.Save(); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	if replaced {
		fmt.Printf("%s Updated %s\n", ui.SuccessMarker, alias)
	} else {
		fmt.Printf("%s Added %s\n", ui.SuccessMarker, alias)
	}
	return nil
}

// removeDeviceCmd deletes a registered device
var removeDeviceCmd = &cobra.Command{
	Use:   "remove-device <alias>",
	Short: "Remove a registered device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := config.LoadRegistry()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if !registry.RemoveDevice(args[0]) {
			return fmt.Errorf("no device named %q", args[0])
		}
		if err := registry.Save(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("%s Removed %s\n", ui.SuccessMarker, args[0])
		return nil
	},
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func lastSeen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
