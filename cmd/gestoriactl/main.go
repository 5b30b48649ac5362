package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const usage = "usage: gestoriactl escalations run --base-url <url> --secret <secret> | gestoriactl procedures progress --base-url <url> --id <procedure_id>"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "escalations":
		runEscalations(os.Args[2:])
	case "procedures":
		runProcedures(os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

func runEscalations(args []string) {
	if len(args) < 1 || args[0] != "run" {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	fs := flag.NewFlagSet("escalations run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	baseURL := fs.String("base-url", "http://localhost:8085", "backoffice service base url")
	secret := fs.String("secret", "", "scheduler shared secret")
	if err := fs.Parse(args[1:]); err != nil {
		os.Exit(2)
	}
	if strings.TrimSpace(*secret) == "" {
		fmt.Fprintln(os.Stderr, "--secret is required")
		os.Exit(2)
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/backoffice/v1/internal/escalations/run", nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build request failed:", err)
		os.Exit(1)
	}
	req.Header.Set("X-Scheduler-Secret", *secret)
	body, status := do(req)
	fmt.Println(body)
	if status >= 300 {
		os.Exit(1)
	}
}

func runProcedures(args []string) {
	if len(args) < 1 || args[0] != "progress" {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	fs := flag.NewFlagSet("procedures progress", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	baseURL := fs.String("base-url", "http://localhost:8085", "backoffice service base url")
	procedureID := fs.String("id", "", "procedure id")
	if err := fs.Parse(args[1:]); err != nil {
		os.Exit(2)
	}
	if strings.TrimSpace(*procedureID) == "" {
		fmt.Fprintln(os.Stderr, "--id is required")
		os.Exit(2)
	}

	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(*baseURL, "/")+"/backoffice/v1/procedures/"+*procedureID+"/progress", nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build request failed:", err)
		os.Exit(1)
	}
	body, status := do(req)
	fmt.Println(body)
	if status >= 300 {
		os.Exit(1)
	}
}

func do(req *http.Request) (string, int) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request failed:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read response failed:", err)
		os.Exit(1)
	}
	var pretty map[string]any
	if json.Unmarshal(raw, &pretty) == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		return string(out), resp.StatusCode
	}
	return string(raw), resp.StatusCode
}
