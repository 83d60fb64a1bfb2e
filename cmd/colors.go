package cmd

import (
	"strings"

	"github.com/fatih/color"
)

var (
	colorSuccess = color.New(color.FgGreen).SprintFunc()
	colorInfo    = color.New(color.FgCyan).SprintFunc()
	colorWarn    = color.New(color.FgYellow).SprintFunc()
	colorError   = color.New(color.FgRed).SprintFunc()
)

func formatStatus(status string) string {
	switch strings.ToLower(status) {
	case "ok":
		return colorSuccess(status)
	case "warn":
		return colorWarn(status)
	case "fail", "error", "timeout", "rate_limited":
		return colorError(status)
	default:
		return status
	}
}

func formatGrade(grade string) string {
	switch {
	case strings.HasPrefix(grade, "A"), strings.HasPrefix(grade, "B"):
		return colorSuccess(grade)
	case grade == "C", grade == "D":
		return colorWarn(grade)
	case grade == "F":
		return colorError(grade)
	default:
		return grade
	}
}
