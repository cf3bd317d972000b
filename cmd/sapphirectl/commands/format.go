package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

func renderNeighbors(neighbors []neighborView, format string) error {
	switch format {
	case formatJSON:
		return printJSON(neighbors)
	case formatTable:
		printNeighborsTable(neighbors)
		return nil
	default:
		return fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func renderRoutes(routes []routeView, format string) error {
	switch format {
	case formatJSON:
		return printJSON(routes)
	case formatTable:
		printRoutesTable(routes)
		return nil
	default:
		return fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func renderState(snap stateSnapshot, format string) error {
	switch format {
	case formatJSON:
		return printJSON(snap)
	case formatTable:
		printStateTable(snap)
		return nil
	default:
		return fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printNeighborsTable(neighbors []neighborView) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Short", "Long", "Depth", "RSSI", "LQI", "PRR", "ETX", "Root"})

	for _, n := range neighbors {
		table.Append([]string{
			formatShort(n.Short),
			strconv.FormatUint(n.Long, 16),
			strconv.Itoa(int(n.Depth)),
			strconv.FormatFloat(n.RSSI, 'f', 1, 64),
			strconv.FormatFloat(n.LQI, 'f', 1, 64),
			strconv.FormatFloat(n.PRR, 'f', 1, 64),
			colorizeETX(n.ETX),
			strconv.FormatBool(n.Root),
		})
	}

	table.Render()
}

func printRoutesTable(routes []routeView) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Dest IP", "Cost", "Hops", "Installed", "Last Used"})

	for _, r := range routes {
		table.Append([]string{
			formatIP(r.DestIP),
			strconv.Itoa(int(r.Cost)),
			formatHops(r.Hops),
			strconv.FormatInt(r.InstalledAt, 10),
			strconv.FormatInt(r.LastUsed, 10),
		})
	}

	table.Render()
}

func printStateTable(snap stateSnapshot) {
	fmt.Printf("time sync: %s (depth %d)\n\n", colorizeSynced(snap.TimeSync.Synced), snap.TimeSync.Depth)

	fmt.Println("Neighbors:")
	printNeighborsTable(snap.Neighbors)

	fmt.Println("\nRoutes:")
	printRoutesTable(snap.Routes)

	if len(snap.Warnings) > 0 {
		fmt.Println()
		for _, w := range snap.Warnings {
			fmt.Println(color.YellowString("warning: %s", w))
		}
	}
}

func colorizeETX(etx uint16) string {
	s := strconv.Itoa(int(etx))
	switch {
	case etx >= 96:
		return color.RedString(s)
	case etx >= 48:
		return color.YellowString(s)
	default:
		return color.GreenString(s)
	}
}

func colorizeSynced(synced bool) string {
	if synced {
		return color.GreenString("synced")
	}
	return color.RedString("not synced")
}

func formatShort(short uint16) string {
	return fmt.Sprintf("%#04x", short)
}

func formatIP(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}

func formatHops(hops []uint16) string {
	s := ""
	for i, h := range hops {
		if i > 0 {
			s += " -> "
		}
		s += formatShort(h)
	}
	return s
}
