// Standalone mock publisher for testing the CLI.
//
// Usage:
//
//	go run ./cmd/tabrelay serve -c example/config.yaml
//
// Then in another terminal:
//
//	go run ./example/cmd/mockserver
//
// and start a few tabs with go run ./cmd/tabrelay tab -c example/config.yaml.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"time"
)

func main() {
	base := "http://localhost:8090"
	if len(os.Args) > 1 {
		base = os.Args[1]
	}

	fmt.Printf("Publishing mock headlines to %s/channels/news every 3-8 seconds\n", base)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	headlines := []string{
		"markets open higher",
		"rain expected this afternoon",
		"local team wins again",
		"new release shipped",
	}
	client := &http.Client{Timeout: 5 * time.Second}

	for seq := 1; ; seq++ {
		body, err := json.Marshal(map[string]any{
			"seq":      seq,
			"headline": headlines[rand.Intn(len(headlines))],
		})
		if err != nil {
			slog.Error("failed to encode message", "error", err)
			os.Exit(1)
		}

		resp, err := client.Post(base+"/channels/news", "application/json", bytes.NewReader(body))
		if err != nil {
			slog.Error("publish failed", "error", err)
		} else {
			var result struct {
				Delivered int `json:"delivered"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&result)
			_ = resp.Body.Close()
			slog.Info("published", "seq", seq, "status", resp.StatusCode, "delivered", result.Delivered)
		}

		time.Sleep(time.Duration(3+rand.Intn(6)) * time.Second)
	}
}
