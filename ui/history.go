package ui

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"peerlink/storage"
)

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func printTransfers(w io.Writer, store *storage.Store, peerID string, limit int) error {
	records, err := store.ListTransfers(peerID, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tDIRECTION\tPEER\tNAME\tSIZE\tSTATUS\tPATH")
	for _, r := range records {
		status := r.Status
		if r.Error != "" {
			status += ": " + r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			formatMillis(r.FinishedAt), r.Direction, r.PeerName, r.ResourceName,
			formatBytes(r.TotalBytes), status, r.LocalPath)
	}
	return tw.Flush()
}

func printPeers(w io.Writer, store *storage.Store, namespace string) error {
	peers, err := store.ListPeers(namespace)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER\tNAME\tNAMESPACE\tSIGHTINGS\tLAST SEEN\tADDRESSES")
	for _, p := range peers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(p.PeerID), p.DisplayName, p.Namespace, p.Sightings,
			formatMillis(p.LastSeen), strings.Join(p.LastAddresses, ","))
	}
	return tw.Flush()
}

func printMessages(w io.Writer, store *storage.Store, namespace string, limit int) error {
	messages, err := store.GetMessages(namespace, limit, 0)
	if err != nil {
		return err
	}
	for _, m := range messages {
		marker := ""
		if m.Mode == storage.ModeUnreliable {
			marker = " ~"
		}
		fmt.Fprintf(w, "%s <%s>%s %s\n", formatMillis(m.Timestamp), m.PeerName, marker, m.Content)
	}
	return nil
}

func printEvents(w io.Writer, store *storage.Store, limit int) error {
	events, err := store.GetSessionEvents(storage.SessionEventFilter{Limit: limit})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSEVERITY\tEVENT\tPEER\tDETAILS")
	for _, e := range events {
		peerID := "-"
		if e.PeerID != nil {
			peerID = shortID(*e.PeerID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", formatMillis(e.Timestamp), e.Severity, e.EventType, peerID, e.Details)
	}
	return tw.Flush()
}
