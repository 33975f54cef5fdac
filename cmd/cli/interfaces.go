package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/balena-io-experimental/nl80211scan/internal/logging"
	"github.com/balena-io-experimental/nl80211scan/internal/nl80211"
)

var interfacesJSON bool

// interfacesCmd represents the interfaces command.
var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List wireless interfaces",
	Long: `List the wireless interfaces the kernel reports over nl80211,
with their index, operating mode, wiphy and hardware address.`,
	Example: `  nl80211scan interfaces
  nl80211scan interfaces --json`,
	Run: runInterfaces,
}

func init() {
	rootCmd.AddCommand(interfacesCmd)

	interfacesCmd.Flags().BoolVar(&interfacesJSON, "json", false, "Output as JSON")
}

func runInterfaces(_ *cobra.Command, _ []string) {
	client, err := nl80211.Dial(logging.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to nl80211: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ifis, err := client.ListInterfaces(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing interfaces: %v\n", err)
		os.Exit(1)
	}

	if interfacesJSON {
		displayInterfacesJSON(ifis)
		return
	}

	if len(ifis) == 0 {
		fmt.Println("No wireless interfaces found")
		return
	}

	displayInterfacesTable(ifis)
}

func displayInterfacesTable(ifis []*nl80211.Interface) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Name", "Index", "Type", "Wiphy", "MAC Address")

	for _, ifi := range ifis {
		mac := ""
		if len(ifi.HardwareAddr) > 0 {
			mac = ifi.HardwareAddr.String()
		}

		_ = table.Append([]string{
			ifi.Name,
			fmt.Sprintf("%d", ifi.Index),
			ifi.Type.String(),
			fmt.Sprintf("%d", ifi.Wiphy),
			mac,
		})
	}

	_ = table.Render()
}

func displayInterfacesJSON(ifis []*nl80211.Interface) {
	type interfaceInfo struct {
		Name       string `json:"name"`
		Index      int    `json:"index"`
		Type       string `json:"type"`
		Wiphy      uint32 `json:"wiphy"`
		Wdev       uint64 `json:"wdev"`
		MACAddress string `json:"mac_address,omitempty"`
	}

	out := make([]interfaceInfo, 0, len(ifis))
	for _, ifi := range ifis {
		info := interfaceInfo{
			Name:  ifi.Name,
			Index: ifi.Index,
			Type:  ifi.Type.String(),
			Wiphy: ifi.Wiphy,
			Wdev:  ifi.Wdev,
		}
		if len(ifi.HardwareAddr) > 0 {
			info.MACAddress = ifi.HardwareAddr.String()
		}
		out = append(out, info)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding interfaces: %v\n", err)
		os.Exit(1)
	}
}
