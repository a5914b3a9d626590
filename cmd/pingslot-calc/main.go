// Command pingslot-calc prints the beacon periods and ping slot offsets of a
// device address, the way both the network and the device compute them.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

type flags struct {
	periodicity uint8
	start       string
	periods     int
	slots       bool
}

func main() {
	if err := newCommand(filepath.Base(os.Args[0])).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newCommand(use string) *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   use + " <dev_addr>",
		Short: "Compute class B ping slot offsets",
		Example: fmt.Sprintf(`  %[1]s 01020304
  %[1]s fe000001 --periodicity 3 --periods 4 --slots
  %[1]s 01020304 --start 2024-01-01T00:00:00Z`, use),
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := lorawan.ParseDevAddr(args[0])
			if err != nil {
				return err
			}
			params, err := lorawan.NewPingSlotParameters(f.periodicity)
			if err != nil {
				return err
			}
			start := time.Now()
			if f.start != "" {
				if start, err = time.Parse(time.RFC3339, f.start); err != nil {
					return fmt.Errorf("parse start: %w", err)
				}
			}
			cmd.SilenceUsage = true
			return printOffsets(cmd.OutOrStdout(), addr, params, start, f.periods, f.slots)
		},
	}
	cmd.Flags().Uint8VarP(&f.periodicity, "periodicity", "p", 0, "ping slot periodicity, 0 to 7")
	cmd.Flags().StringVar(&f.start, "start", "", "RFC 3339 time inside the first beacon period (default now)")
	cmd.Flags().IntVarP(&f.periods, "periods", "n", 3, "number of beacon periods")
	cmd.Flags().BoolVar(&f.slots, "slots", false, "list every ping slot of each period")
	return cmd
}

func printOffsets(out io.Writer, addr lorawan.DevAddr, params lorawan.PingSlotParameters, start time.Time, periods int, slots bool) error {
	fmt.Fprintf(out, "DevAddr %s, periodicity %d: %d pings every %s\n\n",
		addr, params.Periodicity(), params.PingNb(), params.PingPeriodDuration())

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BEACON (UTC)\tBEACON TIME\tOFFSET\tFIRST SLOT")
	beacon := lorawan.BeaconStartForTime(start)
	for i := 0; i < periods; i++ {
		bcnTime := lorawan.BeaconTimeField(beacon)
		offset := lorawan.PingOffset(bcnTime, addr, params.PingPeriod())
		first := lorawan.BeaconReserved + time.Duration(offset)*lorawan.SlotLen
		fmt.Fprintf(w, "%s\t%d\t%d\t+%s\n",
			lorawan.GPSTime(beacon).UTC().Format(time.RFC3339), bcnTime, offset, first)

		if slots {
			for n := uint16(0); n < params.PingNb(); n++ {
				slot := uint32(offset) + uint32(n)*uint32(params.PingPeriod())
				at := lorawan.BeaconReserved + time.Duration(slot)*lorawan.SlotLen
				fmt.Fprintf(w, "\t\tslot %d\t+%s\n", n, at)
			}
		}
		beacon += lorawan.BeaconPeriod
	}
	return w.Flush()
}
