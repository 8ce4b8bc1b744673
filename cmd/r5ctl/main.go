// r5ctl is a small operator CLI for the broker: submit a regional job from a
// JSON template, list jobs and workers, delete a job.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "submit":
		runSubmit(os.Args[2:])
	case "jobs":
		runJobs(os.Args[2:])
	case "delete":
		runDelete(os.Args[2:])
	case "workers":
		runWorkers(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: r5ctl <submit|jobs|delete|workers> [...]")
}

func brokerFlag(fs *flag.FlagSet) *string {
	def := os.Getenv("R5_BROKER_URL")
	if def == "" {
		def = "http://localhost:7070"
	}
	return fs.String("broker", def, "broker base URL")
}

func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	broker := brokerFlag(fs)
	templatePath := fs.String("template", "", "path to a submit request JSON file")
	_ = fs.Parse(args)
	if *templatePath == "" {
		fatalf("submit requires --template")
	}
	payload, err := os.ReadFile(*templatePath)
	if err != nil {
		fatalf("read template: %v", err)
	}
	body := postJSON(*broker+"/api/jobs", payload)
	fmt.Println(strings.TrimSpace(string(body)))
}

func runJobs(args []string) {
	fs := flag.NewFlagSet("jobs", flag.ExitOnError)
	broker := brokerFlag(fs)
	_ = fs.Parse(args)
	body := get(*broker + "/api/jobs")
	printIndented(body)
}

func runDelete(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	broker := brokerFlag(fs)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("delete requires exactly one job id")
	}
	req, err := http.NewRequest(http.MethodDelete, *broker+"/api/jobs/"+fs.Arg(0), nil)
	if err != nil {
		fatalf("%v", err)
	}
	body := do(req)
	fmt.Println(strings.TrimSpace(string(body)))
}

func runWorkers(args []string) {
	fs := flag.NewFlagSet("workers", flag.ExitOnError)
	broker := brokerFlag(fs)
	_ = fs.Parse(args)
	body := get(*broker + "/api/workers")
	printIndented(body)
}

func get(url string) []byte {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		fatalf("%v", err)
	}
	return do(req)
}

func postJSON(url string, payload []byte) []byte {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		fatalf("%v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req)
}

func do(req *http.Request) []byte {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fatalf("read response: %v", err)
	}
	if resp.StatusCode >= 300 {
		fatalf("broker returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body
}

func printIndented(body []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		fmt.Println(strings.TrimSpace(string(body)))
		return
	}
	fmt.Println(buf.String())
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
