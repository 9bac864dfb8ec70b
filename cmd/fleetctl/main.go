// Command fleetctl is the operator CLI for the coordinator's HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gateway := os.Getenv("FULCRUM_API_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}

	switch os.Args[1] {
	case "servers":
		cmdGet(gateway, "/api/v1/servers")
	case "proxies":
		cmdGet(gateway, "/api/v1/proxies")
	case "fleet":
		cmdGet(gateway, "/api/v1/fleet")
	case "broadcast":
		cmdBroadcast(gateway)
	case "shutdown":
		cmdLifecycle(gateway, "shutdown")
	case "restart":
		cmdLifecycle(gateway, "restart")
	case "version":
		fmt.Printf("fleetctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Fulcrum Fleet CLI v` + version + `

Usage: fleetctl <command> [args]

Commands:
  servers                       List servers (active and recently dead)
  proxies                       List proxies
  fleet                         Fleet summary
  broadcast <message>           Send a chat message to every node
  shutdown <id> [delaySeconds]  Drain and stop a node
  restart <id> [delaySeconds]   Drain and restart a node
  version                       Print version
  help                          Show this help

Environment:
  FULCRUM_API_URL   Coordinator API URL (default: http://localhost:8080)

Examples:
  fleetctl servers
  fleetctl broadcast "maintenance in 5 minutes"
  fleetctl shutdown game-3 30`)
}

func cmdGet(gateway, path string) {
	body, status := request("GET", gateway+path, nil)
	printResponse(status, body)
	if status >= 400 {
		os.Exit(1)
	}
}

func cmdBroadcast(gateway string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: fleetctl broadcast <message>")
		os.Exit(1)
	}
	payload, _ := json.Marshal(map[string]string{"message": os.Args[2]})
	body, status := request("POST", gateway+"/api/v1/broadcast", payload)
	printResponse(status, body)
	if status >= 400 {
		os.Exit(1)
	}
}

func cmdLifecycle(gateway, verb string) {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: fleetctl %s <id> [delaySeconds]\n", verb)
		os.Exit(1)
	}
	target := os.Args[2]
	delay := 0
	if len(os.Args) > 3 {
		var err error
		delay, err = strconv.Atoi(os.Args[3])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid delay %q\n", os.Args[3])
			os.Exit(1)
		}
	}

	payload, _ := json.Marshal(map[string]any{"delaySeconds": delay})
	url := fmt.Sprintf("%s/api/v1/servers/%s/%s", gateway, target, verb)
	body, status := request("POST", url, payload)
	printResponse(status, body)
	if status >= 400 {
		os.Exit(1)
	}
}

func request(method, url string, payload []byte) ([]byte, int) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request build failed: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Response read failed: %v\n", err)
		os.Exit(1)
	}
	return body, resp.StatusCode
}

// printResponse pretty-prints JSON responses and passes anything else through.
func printResponse(status int, body []byte) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Printf("%s\n", body)
	} else {
		fmt.Println(pretty.String())
	}
	if status >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d\n", status)
	}
}
