// pgcheck is a minimal demonstration CLI for pkg/engine: it connects to
// a single PostgreSQL server, runs one query, and prints the result.
// It exists to exercise the engine end-to-end from a real binary, the
// way mulldb's own cmd/conctest dials its server and runs a handful of
// scenarios end-to-end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/vela-db/pgengine/pkg/engine"
	"github.com/vela-db/pgengine/pkg/pguri"
	"github.com/vela-db/pgengine/pkg/query"
)

var bannerLines = []string{
	` ___  ____ ____ _  _ ____ _ _  _ ____ `,
	` |__] | __ |___ |\ | | __ | |\ | |___ `,
	` |    |__] |___ | \| |__] | | \| |___ `,
}

func printBanner() {
	teal, _ := colorful.Hex("#00CED1")
	purple, _ := colorful.Hex("#9B30FF")
	bgColor := lipgloss.Color("#1a1a2e")
	maxWidth := len(bannerLines[0])

	var lines []string
	for _, line := range bannerLines {
		var b strings.Builder
		for i, r := range line {
			t := float64(i) / float64(maxWidth-1)
			c := teal.BlendLuv(purple, t)
			style := lipgloss.NewStyle().Foreground(lipgloss.Color(c.Hex())).Background(bgColor).Bold(true)
			b.WriteString(style.Render(string(r)))
		}
		lines = append(lines, b.String())
	}
	fmt.Println(lipgloss.NewStyle().Background(bgColor).Padding(0, 2).Render(strings.Join(lines, "\n")))
	fmt.Println()
}

func main() {
	uri := flag.String("uri", "", "postgres:// connection URI")
	sql := flag.String("sql", "SELECT 1", "SQL to run via the simple query protocol")
	jsonLogs := flag.Bool("json", false, "output logs in JSON format")
	timeout := flag.Duration("timeout", 10*time.Second, "overall timeout for connect + query")
	flag.Parse()

	if *uri == "" {
		printBanner()
		flag.Usage()
		os.Exit(1)
	}

	var handler slog.Handler
	if *jsonLogs {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	} else {
		handler = slog.NewTextHandler(os.Stderr, nil)
	}
	logger := slog.New(handler)

	connURI, err := pguri.Parse(*uri)
	if err != nil {
		logger.Error("invalid connection uri", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	e := engine.New(connURI, engine.Options{Logger: logger}, nil)
	if err := e.Connect(ctx); err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	defer e.Close()

	sink := &cliSink{}
	q := query.New(*sql, nil, sink)
	if err := e.SimpleQuery(q); err != nil {
		logger.Error("query failed to start", "error", err)
		os.Exit(1)
	}

	res, err := q.Wait(ctx)
	if err != nil {
		logger.Error("query timed out", "error", err)
		os.Exit(1)
	}
	if res.Err != nil {
		logger.Error("query failed", "error", res.Err)
		os.Exit(1)
	}

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00CED1"))
	fmt.Println(headerStyle.Render(res.Tag))
	for _, row := range sink.rows {
		fmt.Println(strings.Join(row, "\t"))
	}
}

type cliSink struct {
	rows [][]string
}

func (s *cliSink) SetRowDescription(desc *pgproto3.RowDescription) {}

func (s *cliSink) Row(values [][]byte) {
	row := make([]string, len(values))
	for i, v := range values {
		if v == nil {
			row[i] = "\\N"
		} else {
			row[i] = string(v)
		}
	}
	s.rows = append(s.rows, row)
}

func (s *cliSink) Finish() {}
