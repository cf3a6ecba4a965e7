package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"marketsim/internal/game"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"
)

var (
	accent  = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen, color.Bold)
	warn    = color.New(color.FgYellow, color.Bold)
	danger  = color.New(color.FgRed, color.Bold)
	neutral = color.New(color.FgHiWhite)

	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func (a *app) printSuccess(msg string) {
	success.Fprintln(a.out, msg)
}

func (a *app) printWarn(msg string) {
	warn.Fprintln(a.out, msg)
}

func (a *app) printError(msg string) {
	danger.Fprintln(a.out, msg)
}

func (a *app) printInfo(msg string) {
	neutral.Fprintln(a.out, msg)
}

func (a *app) printTitle(title string) {
	accent.Fprintf(a.out, "\n== %s ==\n", strings.ToUpper(title))
}

// confirm asks a yes/no question and defaults to no.
func (a *app) confirm(label string) (bool, error) {
	for {
		fmt.Fprintf(a.out, "%s (y/n) [n]: ", label)
		text, err := a.in.ReadString('\n')
		if err != nil && (err != io.EOF || text == "") {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(text)) {
		case "", "n", "no":
			return false, nil
		case "y", "yes":
			return true, nil
		}
		a.printWarn("Answer y or n.")
	}
}

func renderTable(w io.Writer, headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}

func (a *app) renderAudit(reports []game.AuditReport) {
	a.printTitle("game dates")
	if len(reports) == 0 {
		a.printInfo("No game sessions found.")
		return
	}
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		drift := "ok"
		if r.Drift {
			drift = danger.Sprint("DRIFT")
		}
		rows = append(rows, []string{
			strconv.FormatInt(r.SessionID, 10),
			truncate(r.PlayerID, 24),
			string(r.Status),
			r.GameStartDate,
			r.CurrentGameDate,
			r.ExpectedDate,
			r.GameEndDate,
			strconv.Itoa(r.DaysSurvived),
			r.LastUpdateTime.Format("2006-01-02 15:04:05"),
			drift,
		})
	}
	renderTable(a.out, []string{"ID", "PLAYER", "STATUS", "START", "CURRENT", "EXPECTED", "END", "DAYS", "LAST UPDATE", "CHECK"}, rows)
}

func (a *app) renderRepairs(title string, results []game.RepairResult) {
	a.printTitle(title)
	if len(results) == 0 {
		a.printInfo("Nothing to change.")
		return
	}
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{
			strconv.FormatInt(r.SessionID, 10),
			truncate(r.PlayerID, 24),
			r.Before,
			r.After,
			strconv.Itoa(r.DaysSurvived),
			strconv.FormatInt(r.SalesUpdated, 10),
		})
	}
	renderTable(a.out, []string{"ID", "PLAYER", "BEFORE", "AFTER", "DAYS", "SALES"}, rows)
}

func (a *app) renderSnapshot(s game.Snapshot) {
	a.printTitle(fmt.Sprintf("session #%d", s.ID))
	fmt.Fprintf(a.out, "Player:          %s\n", s.PlayerID)
	fmt.Fprintf(a.out, "Status:          %s\n", colorizeStatus(s.Status))
	fmt.Fprintf(a.out, "Start / End:     %s / %s\n", s.GameStartDate, s.GameEndDate)
	fmt.Fprintf(a.out, "Current date:    %s\n", s.CurrentGameDate)
	fmt.Fprintf(a.out, "Game time:       %s (market %s)\n", s.CurrentGameTime, marketLabel(s.IsMarketOpen))
	fmt.Fprintf(a.out, "Days survived:   %d (%d remaining)\n", s.DaysSurvived, s.DaysRemaining)
	fmt.Fprintf(a.out, "Progress:        %.2f%%\n", s.GameProgressPercentage)
	fmt.Fprintf(a.out, "Acceleration:    %ds per game day\n", s.TimeAcceleration)
	fmt.Fprintf(a.out, "Last update:     %s\n", s.LastUpdateTime.Format("2006-01-02 15:04:05"))
	if s.DaysElapsed > 0 {
		fmt.Fprintf(a.out, "Days elapsed:    %s\n", success.Sprintf("+%d", s.DaysElapsed))
	}
}

func (a *app) renderJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func colorizeStatus(s game.Status) string {
	switch s {
	case game.StatusActive:
		return success.Sprint(s)
	case game.StatusPaused:
		return warn.Sprint(s)
	case game.StatusEnded:
		return danger.Sprint(s)
	default:
		return neutral.Sprint(s)
	}
}

func marketLabel(open bool) string {
	if open {
		return "open"
	}
	return "closed"
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
