package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/region"
	"github.com/yllada/vpn-orchestrator/splittunnel"
	"github.com/yllada/vpn-orchestrator/transport"
	"github.com/yllada/vpn-orchestrator/vpn"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, st vpn.Status) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "State:\t%s\n", st.State)
	if st.State != common.StateDisconnected {
		fmt.Fprintf(tw, "Since:\t%s (%s)\n", st.Since.Format(time.RFC3339), formatDuration(time.Since(st.Since)))
	}
	if st.Region != "" {
		region := st.Region
		if st.Requested != "" && st.Requested != st.Region {
			region += " (" + st.Requested + ")"
		}
		fmt.Fprintf(tw, "Region:\t%s\n", region)
	}
	transportLine := st.Transport
	if st.Effective != "" && st.Effective != st.Transport {
		transportLine += " (using " + st.Effective + ")"
	}
	fmt.Fprintf(tw, "Transport:\t%s\n", transportLine)

	ks := st.Killswitch.String()
	if st.AllowLAN {
		ks += ", LAN allowed"
	}
	if st.KillswitchActive {
		ks += ", blocking"
	}
	fmt.Fprintf(tw, "Kill switch:\t%s\n", ks)

	if st.ForwardedPort != nil {
		fmt.Fprintf(tw, "Forwarded port:\t%d (expires %s)\n", st.ForwardedPort.Port, st.ForwardedPort.LeaseExpiry.Format(time.RFC3339))
	}
	if st.SnoozeRemaining > 0 {
		fmt.Fprintf(tw, "Resumes in:\t%s\n", formatDuration(st.SnoozeRemaining))
	}
	if st.Health != "" {
		fmt.Fprintf(tw, "Health:\t%s\n", st.Health)
	}
	if st.ReconnectNeeded {
		fmt.Fprintf(tw, "Reconnect needed:\tyes\n")
	}
	if st.LastError != "" {
		fmt.Fprintf(tw, "Last error:\t%s (%s)\n", st.LastError, st.LastErrorKind)
	}
	return tw.Flush()
}

func printRegions(w io.Writer, regions []region.Region) error {
	if len(regions) == 0 {
		fmt.Fprintln(w, "No regions available.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCOUNTRY\tLATENCY\tPORT FORWARD\tFAVORITE")
	fmt.Fprintln(tw, "--\t----\t-------\t-------\t------------\t--------")
	for _, r := range regions {
		latency := "-"
		if r.Offline {
			latency = "offline"
		} else if r.LatencyMs != nil {
			latency = fmt.Sprintf("%dms", *r.LatencyMs)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.DisplayName, r.Country, latency, yesNo(r.SupportsPortForward), yesNo(r.IsFavorite))
	}
	return tw.Flush()
}

func printRules(w io.Writer, rules []splittunnel.AppRule) error {
	if len(rules) == 0 {
		fmt.Fprintln(w, "No app rules configured.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "APP\tMODE")
	fmt.Fprintln(tw, "---\t----")
	for _, r := range rules {
		fmt.Fprintf(tw, "%s\t%s\n", r.App, r.Mode)
	}
	return tw.Flush()
}

func printTransport(w io.Writer, cfg transport.Config) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Primary:\t%s\n", cfg.Primary())
	if alt, ok := cfg.Alternate(); ok {
		fmt.Fprintf(tw, "Alternate:\t%s\n", alt)
	} else {
		fmt.Fprintf(tw, "Alternate:\tdisabled\n")
	}
	if p := cfg.Proxy; p != nil {
		fmt.Fprintf(tw, "Proxy:\t%s %s\n", p.Type, p.Address)
	}
	return tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
