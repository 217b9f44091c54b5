package svc

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions configures log viewing behavior.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// ViewLogs runs the platform's log viewer for the service on the terminal.
func ViewLogs(opts LogOptions) error {
	name, args, err := logCommand(runtime.GOOS, opts)
	if err != nil {
		return err
	}
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

// logCommand returns the viewer command for goos.
func logCommand(goos string, opts LogOptions) (string, []string, error) {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	lines := strconv.Itoa(opts.Lines)

	switch goos {
	case "linux":
		args := []string{"-u", opts.ServiceName, "-n", lines, "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return "journalctl", args, nil
	case "darwin":
		// launchd services log to files in /var/log/
		args := []string{"-n", lines}
		if opts.Follow {
			args = append(args, "-f")
		}
		args = append(args,
			fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName),
			fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName))
		return "tail", args, nil
	default:
		return "", nil, fmt.Errorf("log viewing not supported on %s", goos)
	}
}
