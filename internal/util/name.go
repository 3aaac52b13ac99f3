package util

import (
	"path/filepath"
	"strings"

	"github.com/mattn/go-runewidth"
)

const ellipsis = "..."

// FitFileName pads name to width terminal cells. Longer names are cut in
// the stem so the extension stays visible.
func FitFileName(name string, width int) string {
	if width <= 0 {
		return ""
	}
	w := runewidth.StringWidth(name)
	if w <= width {
		return name + strings.Repeat(" ", width-w)
	}

	ext := filepath.Ext(name)
	extWidth := runewidth.StringWidth(ext)
	if ext == "" || ext == name || extWidth+len(ellipsis)+1 > width {
		return runewidth.FillRight(runewidth.Truncate(name, width, ellipsis), width)
	}
	stem := runewidth.Truncate(strings.TrimSuffix(name, ext), width-extWidth, ellipsis)
	return runewidth.FillRight(stem+ext, width)
}
