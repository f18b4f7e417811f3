// Command patze-check probes a running control plane and reports whether
// each surface answers. Exit code 0 means every check passed.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

type check struct {
	name string
	run  func() error
}

func main() {
	var (
		base  string
		token string
	)
	flag.StringVar(&base, "url", "http://127.0.0.1:9700", "control plane base URL")
	flag.StringVar(&token, "token", os.Getenv("TELEMETRY_AUTH_TOKEN"), "bearer token, when token auth is enabled")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	checks := []check{
		{"health", func() error {
			var body struct {
				Status string `json:"status"`
			}
			if err := getJSON(client, base+"/api/health", "", &body); err != nil {
				return err
			}
			if body.Status != "ok" {
				return fmt.Errorf("status %q", body.Status)
			}
			return nil
		}},
		{"auth", func() error {
			return getJSON(client, base+"/api/auth", token, nil)
		}},
		{"targets", func() error {
			return getJSON(client, base+"/api/targets", token, nil)
		}},
		{"telemetry", func() error {
			return getJSON(client, base+"/api/telemetry/snapshot", token, nil)
		}},
		{"metrics", func() error {
			return getJSON(client, base+"/metrics", "", nil)
		}},
	}

	failed := 0
	for _, c := range checks {
		if err := c.run(); err != nil {
			failed++
			fmt.Printf("%-12s FAIL  %v\n", c.name, err)
			continue
		}
		fmt.Printf("%-12s OK\n", c.name)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func getJSON(client *http.Client, url, token string, dst interface{}) error {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if dst != nil {
		return json.NewDecoder(resp.Body).Decode(dst)
	}
	return nil
}
