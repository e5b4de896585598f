package ui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"duocall/native/internal/call"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// SummaryView renders the received tracks of a finished call.
func SummaryView(s call.Summary) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	t.Style().Color.Header = text.Colors{text.FgGreen, text.Bold}
	t.SetTitle(fmt.Sprintf("Call summary: %s (%s)", s.RoomID, formatDuration(s.Duration)))

	t.AppendHeader(table.Row{"Track", "Kind", "Codec", "Packets", "Received", "File"})
	var packets, bytes uint64
	for _, tr := range s.Tracks {
		file := "-"
		if tr.File != "" {
			file = filepath.Base(tr.File)
		}
		t.AppendRow(table.Row{tr.ID, tr.Kind, codecName(tr.Codec), tr.Packets, formatBytes(tr.Bytes), file})
		packets += tr.Packets
		bytes += tr.Bytes
	}
	if len(s.Tracks) == 0 {
		t.AppendRow(table.Row{"no remote media", "", "", "", "", ""})
	}
	t.AppendFooter(table.Row{"Total", "", "", packets, formatBytes(bytes), ""})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Packets", Align: text.AlignRight, AlignFooter: text.AlignRight},
		{Name: "Received", Align: text.AlignRight, AlignFooter: text.AlignRight},
	})

	return t.Render()
}

func codecName(mime string) string {
	if i := strings.IndexByte(mime, '/'); i >= 0 {
		return mime[i+1:]
	}
	return mime
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}
