package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

func printCtlUsage() {
	fmt.Println("USAGE:")
	fmt.Println("  multivold ctl [OPTIONS] COMMAND [ARG]")
	fmt.Println()
	fmt.Println("COMMANDS:")
	fmt.Println("  get               Print the display volume")
	fmt.Println("  status            Print the coordinator status as JSON")
	fmt.Println("  set VOLUME        Set the display volume (0-100)")
	fmt.Println("  adjust DELTA      Move the display volume by DELTA")
	fmt.Println("  up [N]            N coarse steps up (default 1)")
	fmt.Println("  down [N]          N coarse steps down (default 1)")
	fmt.Println("  reload SECTION    limits | startup | mobile-steps | rotary-steps | all")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path (default \"/tmp/multivold.sock\")")
	fmt.Println("  -timeout duration")
	fmt.Println("        Request timeout (default 10s)")
}

// runCtlSubcommand handles "multivold ctl".
func runCtlSubcommand(args []string) int {
	fs := flag.NewFlagSet("ctl", flag.ContinueOnError)
	socket := fs.String("ipc-socket", "/tmp/multivold.sock", "Unix domain socket path for IPC")
	timeout := fs.Duration("timeout", 10*time.Second, "Request timeout")
	fs.Usage = printCtlUsage
	if err := fs.Parse(args); err != nil {
		return 2
	}

	req, err := buildCtlRequest(fs.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		printCtlUsage()
		return 2
	}

	resp, err := SendIPCRequest(*socket, req, *timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	if err := printCtlResponse(os.Stdout, resp); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// buildCtlRequest turns ctl arguments into an IPC request.
func buildCtlRequest(args []string) (IPCRequest, error) {
	if len(args) == 0 {
		return IPCRequest{}, errors.New("missing command")
	}
	cmd, rest := args[0], args[1:]

	arg := func() (string, error) {
		if len(rest) != 1 {
			return "", fmt.Errorf("%s takes exactly one argument", cmd)
		}
		return rest[0], nil
	}
	number := func() (float64, error) {
		s, err := arg()
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: invalid number %q", cmd, s)
		}
		return v, nil
	}
	steps := func() (int, error) {
		if len(rest) == 0 {
			return 1, nil
		}
		if len(rest) > 1 {
			return 0, fmt.Errorf("%s takes at most one argument", cmd)
		}
		n, err := strconv.Atoi(rest[0])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%s: invalid step count %q", cmd, rest[0])
		}
		return n, nil
	}
	withData := func(typ string, data any) (IPCRequest, error) {
		raw, err := json.Marshal(data)
		if err != nil {
			return IPCRequest{}, err
		}
		return IPCRequest{Type: typ, Data: raw}, nil
	}

	switch cmd {
	case "get":
		return IPCRequest{Type: ipcGetVolume}, nil
	case "status":
		return IPCRequest{Type: ipcStatus}, nil
	case "set":
		v, err := number()
		if err != nil {
			return IPCRequest{}, err
		}
		return withData(ipcSetVolume, ipcVolumeData{Volume: v, ShowBar: true})
	case "adjust":
		d, err := number()
		if err != nil {
			return IPCRequest{}, err
		}
		return withData(ipcAdjustVolume, ipcAdjustData{Delta: d, ShowBar: true})
	case "up", "down":
		n, err := steps()
		if err != nil {
			return IPCRequest{}, err
		}
		if cmd == "down" {
			n = -n
		}
		return withData(ipcStep, ipcStepData{Steps: n, ShowBar: true})
	case "reload":
		section, err := arg()
		if err != nil {
			return IPCRequest{}, err
		}
		return withData(ipcReload, ipcReloadData{Section: section})
	default:
		return IPCRequest{}, fmt.Errorf("unknown command %q", cmd)
	}
}

func printCtlResponse(w io.Writer, resp IPCResponse) error {
	if resp.Data != nil {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp.Data)
	}
	if resp.Volume != nil {
		_, err := fmt.Fprintln(w, *resp.Volume)
		return err
	}
	return nil
}
