package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/dustin/go-humanize"
	"github.com/rescp17/swarmshare/internal/style"
	"github.com/rescp17/swarmshare/internal/util"
	"github.com/rescp17/swarmshare/pkg/node"
	"github.com/rescp17/swarmshare/pkg/transfer"
)

var offerColumns = []table.Column{
	{Title: "ID", Width: 36},
	{Title: "Name", Width: 28},
	{Title: "Size", Width: 10},
	{Title: "Type", Width: 22},
	{Title: "Peers", Width: 6},
}

// RenderOffers renders the files announced by other peers as a table.
func RenderOffers(offers []node.Offer) string {
	if len(offers) == 0 {
		return style.HelpStyle.Render("No files announced yet.") + "\n"
	}
	rows := make([]table.Row, 0, len(offers))
	for _, o := range offers {
		d := o.Descriptor
		rows = append(rows, table.Row{
			fetchID(d),
			util.FitFileName(d.FileName, offerColumns[1].Width),
			humanize.Bytes(uint64(d.FileSize)),
			d.FileType,
			strconv.Itoa(len(o.Peers)),
		})
	}
	t := table.New(
		table.WithColumns(offerColumns),
		table.WithRows(rows),
		table.WithFocused(false),
		table.WithHeight(len(rows)+1),
		table.WithStyles(style.NewTableStyles()),
	)
	return style.BaseStyle.Render(t.View()) + "\n"
}

const sharedNameWidth = 28

// RenderShared lists shared files one per line, with the id and hash
// needed to fetch them.
func RenderShared(descs []*transfer.FileDescriptor) string {
	var b strings.Builder
	b.WriteString(style.HeaderStyle.Render("Sharing") + "\n")
	for _, d := range descs {
		fmt.Fprintf(&b, "  %s %s %s\n",
			util.FitFileName(d.FileName, sharedNameWidth),
			style.FileStyle.Render(fmt.Sprintf("%-10s", humanize.Bytes(uint64(d.FileSize)))),
			style.HighlightFontStyle.Render(d.FileID))
		fmt.Fprintf(&b, "  %s %s\n", strings.Repeat(" ", sharedNameWidth), style.FileStyle.Render(d.Key()))
	}
	return b.String()
}

// fetchID is the shortest handle a fetch accepts for d.
func fetchID(d *transfer.FileDescriptor) string {
	if d.FileID != "" {
		return d.FileID
	}
	return d.Key()
}
