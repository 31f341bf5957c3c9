package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/unheardhq/ctxsync/internal/ctxsync"
)

// statusLabel renders an upload status with the color operators expect
// at a glance: green is done, yellow still owes a publish, red is broken.
func statusLabel(status ctxsync.UploadStatus) string {
	switch status {
	case ctxsync.StatusComplete:
		return color.GreenString(string(status))
	case ctxsync.StatusUnsynced:
		return color.YellowString(string(status))
	case ctxsync.StatusError:
		return color.RedString(string(status))
	default:
		return color.CyanString(string(status))
	}
}

func progressBar(percent int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent / 10
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", 10-filled) + "]"
}

func formatItemLine(item ctxsync.UploadItem) string {
	line := fmt.Sprintf("%-12s %s %3d%%  %-10s %s",
		item.TaskID, progressBar(item.Percent), item.Percent, statusLabel(item.Status), item.Filename)
	if item.Error != "" {
		line += "  " + color.RedString(item.Error)
	}
	return line
}

func formatRetryLine(item ctxsync.RetryQueueItem) string {
	return fmt.Sprintf("%-12s attempts=%d next=%s %s",
		item.TaskID, item.Attempts, item.NextEligible.Format("15:04:05"), item.Record.OriginalFilename)
}
