package api

import (
	"bytes"
	"fmt"
	stdhtml "html"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/rufus800/challawa-np/internal/model"
)

const reportStyle = `body { font-family: Arial, sans-serif; padding: 20px; }
h1 { color: #667eea; border-bottom: 2px solid #667eea; padding-bottom: 10px; }
h2 { color: #333; margin-top: 30px; }
table { width: 100%; border-collapse: collapse; margin-top: 15px; }
th, td { border: 1px solid #ddd; padding: 10px; text-align: left; }
th { background: #667eea; color: white; }
tr:nth-child(even) { background: #f9f9f9; }
.health-good { color: #00b894; font-weight: bold; }
.health-warning { color: #fdcb6e; font-weight: bold; }
.health-critical { color: #d63031; font-weight: bold; }`

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithUnsafe()),
)

type reportData struct {
	Generated time.Time
	From      string
	To        string
	Health    []model.HealthRecord
	Events    []model.TripEvent
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.events.Query(filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	health, err := s.events.Health(s.devices)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	data := reportData{
		Generated: time.Now(),
		From:      "All time",
		To:        "Present",
		Health:    health,
		Events:    events,
	}
	if v := r.URL.Query().Get("start_date"); v != "" {
		data.From = v
	}
	if v := r.URL.Query().Get("end_date"); v != "" {
		data.To = v
	}

	page, err := renderReport(data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to render report")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=pump_report.html")
	w.WriteHeader(http.StatusOK)
	w.Write(page)
}

// reportMarkdown lays the report out as GFM. Every interpolated value goes
// through cell so names cannot break the tables or inject markup.
func reportMarkdown(d reportData) string {
	var b strings.Builder

	b.WriteString("# Challawa Pump Station - Trip Event Report\n\n")
	fmt.Fprintf(&b, "**Generated:** %s  \n", d.Generated.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "**Period:** %s to %s\n\n", cell(d.From), cell(d.To))

	b.WriteString("## Pump Health Summary\n\n")
	b.WriteString("| Pump | Total Trips | Last Trip | Health Score |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, h := range d.Health {
		last := "Never"
		if h.LastTrip != nil {
			last = h.LastTrip.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(&b, "| %s | %d | %s | <span class=\"health-%s\">%d%%</span> |\n",
			cell(h.DeviceName), h.TotalTrips, last, h.Grade(), h.HealthScore)
	}

	b.WriteString("\n## Trip Event Log\n\n")
	if len(d.Events) == 0 {
		b.WriteString("No trip events recorded.\n")
		return b.String()
	}
	b.WriteString("| Date/Time | Pump | Event | Pressure (Bar) | Speed (Hz) | Description |\n")
	b.WriteString("| --- | --- | --- | --- | --- | --- |\n")
	for _, e := range d.Events {
		fmt.Fprintf(&b, "| %s | %s | %s | %.2f | %.1f | %s |\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), cell(e.DeviceName), cell(e.EventType),
			e.Pressure, e.Speed, cell(e.Description))
	}
	return b.String()
}

func cell(s string) string {
	return strings.ReplaceAll(stdhtml.EscapeString(s), "|", `\|`)
}

func renderReport(d reportData) ([]byte, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(reportMarkdown(d)), &body); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}

	var page bytes.Buffer
	page.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"UTF-8\">\n<title>Pump Trip Report</title>\n<style>\n")
	page.WriteString(reportStyle)
	page.WriteString("\n</style>\n</head>\n<body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body>\n</html>\n")
	return page.Bytes(), nil
}
