// Command patze-cli is a small operator console for the control plane.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const version = "1.0.0"

type client struct {
	base  string
	token string
	http  *http.Client
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	base := os.Getenv("PATZE_URL")
	if base == "" {
		base = "http://127.0.0.1:9700"
	}
	c := &client{
		base:  strings.TrimRight(base, "/"),
		token: os.Getenv("TELEMETRY_AUTH_TOKEN"),
		http:  &http.Client{Timeout: 10 * time.Second},
	}

	var err error
	switch os.Args[1] {
	case "targets":
		err = cmdTargets(c)
	case "status":
		err = cmdStatus(c)
	case "commands":
		err = cmdCommands(c, os.Args[2:])
	case "assessments":
		err = cmdAssessments(c)
	case "journal":
		err = cmdJournal(c)
	case "events":
		err = cmdEvents(c, os.Args[2:])
	case "version":
		fmt.Printf("patze-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Patze control plane CLI v` + version + `

Usage: patze <command> [args]

Commands:
  targets              List registered targets
  status               Show per-target sync status
  commands list        List bridge commands
  commands approve <id> <targetVersion> [approvedBy]
  assessments          Show fleet assessments
  journal              Show recent journal entries
  events [types]       Tail the event stream (comma-separated types)
  version              Print version

Environment:
  PATZE_URL             Base URL (default: http://127.0.0.1:9700)
  TELEMETRY_AUTH_TOKEN  Bearer token when token auth is enabled`)
}

func cmdTargets(c *client) error {
	var targets []struct {
		ID      string `json:"id"`
		Label   string `json:"label"`
		Type    string `json:"type"`
		Origin  string `json:"origin"`
		Enabled bool   `json:"enabled"`
	}
	if err := c.get("/api/targets", &targets); err != nil {
		return err
	}
	for _, t := range targets {
		fmt.Printf("%-36s  %-20s  %-6s  %-6s  enabled=%t\n", t.ID, t.Label, t.Type, t.Origin, t.Enabled)
	}
	return nil
}

func cmdStatus(c *client) error {
	var statuses []struct {
		TargetID             string `json:"targetId"`
		Running              bool   `json:"running"`
		Available            bool   `json:"available"`
		JobsCount            int    `json:"jobsCount"`
		ConsecutiveFailures  int    `json:"consecutiveFailures"`
		LastSuccessfulSyncAt string `json:"lastSuccessfulSyncAt"`
		Stale                bool   `json:"stale"`
	}
	if err := c.get("/api/sync-status", &statuses); err != nil {
		return err
	}
	for _, s := range statuses {
		fmt.Printf("%-36s  running=%-5t  available=%-5t  jobs=%-3d  failures=%-2d  stale=%-5t  %s\n",
			s.TargetID, s.Running, s.Available, s.JobsCount, s.ConsecutiveFailures, s.Stale, s.LastSuccessfulSyncAt)
	}
	return nil
}

func cmdCommands(c *client, args []string) error {
	if len(args) == 0 || args[0] == "list" {
		var cmds []struct {
			ID       string `json:"id"`
			State    string `json:"state"`
			Snapshot struct {
				TargetID string `json:"targetId"`
				Intent   string `json:"intent"`
			} `json:"snapshot"`
		}
		if err := c.get("/api/commands", &cmds); err != nil {
			return err
		}
		for _, cmd := range cmds {
			fmt.Printf("%-36s  %-12s  %-36s  %s\n", cmd.ID, cmd.State, cmd.Snapshot.TargetID, cmd.Snapshot.Intent)
		}
		return nil
	}
	if args[0] == "approve" {
		if len(args) < 3 {
			return fmt.Errorf("usage: patze commands approve <id> <targetVersion> [approvedBy]")
		}
		approvedBy := "cli"
		if len(args) > 3 {
			approvedBy = args[3]
		}
		var cmd struct {
			ID       string `json:"id"`
			Approved bool   `json:"approved"`
		}
		err := c.post("/api/commands/"+args[1]+"/approve", map[string]string{
			"targetVersion": args[2],
			"approvedBy":    approvedBy,
		}, &cmd)
		if err != nil {
			return err
		}
		fmt.Printf("%s approved=%t\n", cmd.ID, cmd.Approved)
		return nil
	}
	return fmt.Errorf("unknown commands subcommand %q", args[0])
}

func cmdAssessments(c *client) error {
	var assessments []struct {
		TargetID    string `json:"targetId"`
		HealthScore int    `json:"healthScore"`
		Risk        string `json:"risk"`
		Drifts      []any  `json:"drifts"`
		Violations  []any  `json:"violations"`
	}
	if err := c.get("/api/fleet/assessments", &assessments); err != nil {
		return err
	}
	for _, a := range assessments {
		fmt.Printf("%-36s  score=%-3d  risk=%-8s  drifts=%d  violations=%d\n",
			a.TargetID, a.HealthScore, a.Risk, len(a.Drifts), len(a.Violations))
	}
	return nil
}

func cmdJournal(c *client) error {
	var entries []struct {
		ID        uint64 `json:"id"`
		Operation string `json:"operation"`
		State     string `json:"state"`
		StartedAt string `json:"startedAt"`
		Error     string `json:"error"`
	}
	if err := c.get("/api/journal?limit=50", &entries); err != nil {
		return err
	}
	for _, e := range entries {
		line := fmt.Sprintf("%-5d  %-24s  %-9s  %s", e.ID, e.Operation, e.State, e.StartedAt)
		if e.Error != "" {
			line += "  " + e.Error
		}
		fmt.Println(line)
	}
	return nil
}

// cmdEvents streams SSE frames until interrupted.
func cmdEvents(c *client, args []string) error {
	path := "/api/events"
	if len(args) > 0 {
		path += "?types=" + args[0]
	}
	req, err := http.NewRequest("GET", c.base+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	// The stream is long-lived, so skip the default client's timeout.
	streaming := &http.Client{}
	resp, err := streaming.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		fmt.Println(line)
	}
	return scanner.Err()
}

func (c *client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *client) get(path string, dst interface{}) error {
	req, err := http.NewRequest("GET", c.base+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	return c.do(req, dst)
}

func (c *client) post(path string, body, dst interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest("POST", c.base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	return c.do(req, dst)
}

func (c *client) do(req *http.Request, dst interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			if e.Message != "" {
				return fmt.Errorf("%s: %s", e.Error, e.Message)
			}
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
