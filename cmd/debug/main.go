package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/rufus800/challawa-np/db"
	"github.com/rufus800/challawa-np/internal/config"
	"github.com/rufus800/challawa-np/internal/decoder"
	"github.com/rufus800/challawa-np/internal/plc"
	"github.com/rufus800/challawa-np/internal/store"
	"github.com/rufus800/challawa-np/system/startup"
)

const usage = `Usage of pump-debug:
  pump-debug read [--config file] [--plc addr]       connect, read the data block once, print the frame
  pump-debug events [--db file] [--start YYYY-MM-DD] [--end YYYY-MM-DD] [--pump N]
  pump-debug health [--db file] [--config file]
  pump-debug install-service --binary path [--config file] [--user name] [--workdir dir] [--unit path]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "read":
		err = readOnce(os.Args[2:])
	case "events":
		err = listEvents(os.Args[2:])
	case "health":
		err = showHealth(os.Args[2:])
	case "install-service":
		err = installService(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Printf("Invalid command %q\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command %s failed: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readOnce(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	client := plc.NewS7Client(cfg.PLC.ConnectTimeout, cfg.PLC.IdleTimeout)
	sup := plc.NewSupervisor(client, plc.Session{
		Address:        cfg.PLC.Address,
		Rack:           cfg.PLC.Rack,
		Slot:           cfg.PLC.Slot,
		BlockID:        cfg.PLC.DBNumber,
		Offset:         cfg.PLC.Offset,
		Length:         cfg.PLC.Length,
		ErrorThreshold: cfg.PLC.ErrorThreshold,
	}, nil)
	defer sup.Disconnect()

	if err := sup.Connect(); err != nil {
		return err
	}
	block, err := sup.Read()
	if err != nil {
		return err
	}

	fmt.Printf("DB%d raw: % X\n", cfg.PLC.DBNumber, block)
	return printJSON(decoder.Decode(cfg.Layout, block, time.Now()))
}

func openStore(path string) (*store.Store, func() error, error) {
	conn, err := db.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return store.New(conn), conn.Close, nil
}

func listEvents(args []string) error {
	fs := pflag.NewFlagSet("events", pflag.ContinueOnError)
	dbPath := fs.String("db", "pump_logs.db", "Path to the SQLite database file")
	start := fs.String("start", "", "First day (YYYY-MM-DD)")
	end := fs.String("end", "", "Last day, inclusive (YYYY-MM-DD)")
	pump := fs.Int("pump", 0, "Only this pump id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var filter store.EventFilter
	if *start != "" {
		t, err := time.ParseInLocation("2006-01-02", *start, time.Local)
		if err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
		filter.Start = &t
	}
	if *end != "" {
		t, err := time.ParseInLocation("2006-01-02", *end, time.Local)
		if err != nil {
			return fmt.Errorf("invalid --end: %w", err)
		}
		filter.End = &t
	}
	if fs.Changed("pump") {
		filter.DeviceID = pump
	}

	s, closeFn, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer closeFn()

	events, err := s.Query(filter)
	if err != nil {
		return err
	}
	for _, e := range events {
		fmt.Printf("%s  pump %d  %-24s  %-5s  %6.2f bar  %6.1f Hz  %s\n",
			e.Timestamp.Format(db.TimestampLayout), e.DeviceID, e.DeviceName, e.EventType, e.Pressure, e.Speed, e.Description)
	}
	fmt.Printf("%d event(s)\n", len(events))
	return nil
}

func showHealth(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	s, closeFn, err := openStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer closeFn()

	records, err := s.Health(cfg.Devices)
	if err != nil {
		return err
	}
	for _, r := range records {
		last := "Never"
		if r.LastTrip != nil {
			last = r.LastTrip.Format(db.TimestampLayout)
		}
		fmt.Printf("pump %d  %-24s  trips %3d  last %-19s  score %3d  %s\n",
			r.DeviceID, r.DeviceName, r.TotalTrips, last, r.HealthScore, r.Grade())
	}
	return nil
}

func installService(args []string) error {
	fs := pflag.NewFlagSet("install-service", pflag.ContinueOnError)
	opts := startup.ServiceOptions{}
	fs.StringVar(&opts.Binary, "binary", "/usr/local/bin/pump-monitor", "Path to the pump-monitor binary")
	fs.StringVar(&opts.ConfigFile, "config", "", "Config file passed to the service")
	fs.StringVar(&opts.User, "user", "", "User the service runs as")
	fs.StringVar(&opts.WorkDir, "workdir", "", "Working directory")
	fs.StringVar(&opts.UnitPath, "unit", startup.DefaultUnitPath, "Where to write the systemd unit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := startup.InstallService(opts); err != nil {
		return err
	}
	fmt.Printf("Wrote %s; run 'systemctl daemon-reload && systemctl enable --now pump-monitor'\n", opts.UnitPath)
	return nil
}
