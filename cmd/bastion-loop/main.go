package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"time"
)

// cycleResult mirrors the wire shape of POST /v1/loop/cycle.
type cycleResult struct {
	Outcome         string `json:"outcome"`
	AttemptID       string `json:"attempt_id"`
	Decision        string `json:"decision"`
	Category        string `json:"category"`
	PolicyID        string `json:"policy_id"`
	SnapshotVersion uint64 `json:"snapshot_version"`
	Error           string `json:"error"`
}

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "base URL of a running bastion server")
	n := flag.Int("n", 20, "number of cycles to drive")
	timeout := flag.Duration("timeout", 2*time.Minute, "per-cycle request timeout")
	flag.Parse()

	if *n <= 0 {
		*n = 1
	}

	client := &http.Client{Timeout: *timeout}
	url := *addr + "/v1/loop/cycle"

	outcomes := map[string]int{}
	categories := map[string]int{}
	durations := make([]time.Duration, 0, *n)
	var lastVersion uint64

	for i := 0; i < *n; i++ {
		start := time.Now()
		res, err := runCycle(client, url)
		if err != nil {
			log.Fatalf("cycle %d: %v", i+1, err)
		}
		d := time.Since(start)
		durations = append(durations, d)

		outcomes[res.Outcome]++
		if res.Category != "" {
			categories[res.Category]++
		}
		if res.SnapshotVersion > lastVersion {
			lastVersion = res.SnapshotVersion
		}

		line := fmt.Sprintf("cycle %d/%d outcome=%s", i+1, *n, res.Outcome)
		if res.PolicyID != "" {
			line += fmt.Sprintf(" policy=%s snapshot=%d", res.PolicyID, res.SnapshotVersion)
		}
		if res.Error != "" {
			line += fmt.Sprintf(" error=%q", res.Error)
		}
		fmt.Println(line)
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	avg := float64(total.Microseconds()) / 1000.0 / float64(len(durations))
	p50 := float64(durations[len(durations)/2].Microseconds()) / 1000.0

	fmt.Printf("\nloop: n=%d avg_ms=%.2f p50_ms=%.2f latest_snapshot=%d\n", len(durations), avg, p50, lastVersion)
	fmt.Printf("outcomes: %s\n", countList(outcomes))
	if len(categories) > 0 {
		fmt.Printf("breach categories: %s\n", countList(categories))
	}
}

func runCycle(client *http.Client, url string) (*cycleResult, error) {
	resp, err := client.Post(url, "application/json", bytes.NewReader(nil))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var res cycleResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &res, nil
}

func countList(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b bytes.Buffer
	for i, k := range keys {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s=%d", k, m[k])
	}
	return b.String()
}
