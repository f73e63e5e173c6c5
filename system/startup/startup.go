package startup

import (
	"fmt"
	"os"
	"strings"
)

const DefaultUnitPath = "/etc/systemd/system/pump-monitor.service"

type ServiceOptions struct {
	UnitPath   string
	User       string
	WorkDir    string
	Binary     string
	ConfigFile string
}

func (o ServiceOptions) execStart() string {
	parts := []string{o.Binary}
	if o.ConfigFile != "" {
		parts = append(parts, "--config", o.ConfigFile)
	}
	return strings.Join(parts, " ")
}

// RenderUnit produces the systemd unit that keeps the monitor running.
func RenderUnit(o ServiceOptions) (string, error) {
	if o.Binary == "" {
		return "", fmt.Errorf("service binary path is required")
	}

	var user string
	if o.User != "" {
		user = "User=" + o.User + "\n"
	}
	var workdir string
	if o.WorkDir != "" {
		workdir = "WorkingDirectory=" + o.WorkDir + "\n"
	}

	return fmt.Sprintf(`[Unit]
Description=Challawa pump station monitor
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
%s%sExecStart=%s
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
`, user, workdir, o.execStart()), nil
}

func InstallService(o ServiceOptions) error {
	unit, err := RenderUnit(o)
	if err != nil {
		return err
	}
	path := o.UnitPath
	if path == "" {
		path = DefaultUnitPath
	}
	if err := os.WriteFile(path, []byte(unit), 0644); err != nil {
		return fmt.Errorf("write unit %s: %w", path, err)
	}
	return nil
}
