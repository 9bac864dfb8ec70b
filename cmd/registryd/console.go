package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fulcrum-net/fulcrum/internal/inspector"
	"github.com/fulcrum-net/fulcrum/internal/protocol"
)

// chatSender is the slice of the bus the console needs.
type chatSender interface {
	Broadcast(msgType string, payload any) error
}

// console is the coordinator's interactive stdin surface. Unknown commands
// print usage; "stop", "exit", and "quit" shut the process down cleanly.
type console struct {
	inspector *inspector.Inspector
	sender    chatSender
	cancel    context.CancelFunc
}

func newConsole(insp *inspector.Inspector, sender chatSender, cancel context.CancelFunc) *console {
	return &console{inspector: insp, sender: sender, cancel: cancel}
}

func (c *console) run(ctx context.Context, done chan<- int) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("fulcrum console ready. Type 'help' for commands.")

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)

		switch fields[0] {
		case "stop", "exit", "quit":
			fmt.Println("Shutting down.")
			c.cancel()
			done <- 0
			return
		case "help":
			c.printHelp()
		case "inspect":
			c.cmdInspect(ctx, fields[1:])
		case "broadcast":
			c.cmdBroadcast(strings.TrimSpace(strings.TrimPrefix(line, "broadcast")))
		default:
			fmt.Printf("Unknown command %q. Type 'help' for commands.\n", fields[0])
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "console read failed: %v\n", err)
		c.cancel()
		done <- 1
		return
	}
	// Stdin closed (EOF): keep the daemon running headless.
}

func (c *console) printHelp() {
	fmt.Println(`Commands:
  inspect servers     List all servers (active and recently dead)
  inspect proxies     List all proxies
  inspect fleet       Fleet summary
  broadcast <msg>     Send a chat message to every node
  stop | exit | quit  Shut the coordinator down`)
}

func (c *console) cmdInspect(ctx context.Context, args []string) {
	target := "fleet"
	if len(args) > 0 {
		target = args[0]
	}

	switch target {
	case "servers":
		views := c.inspector.ServerViews(ctx)
		if len(views) == 0 {
			fmt.Println("No servers.")
			return
		}
		for _, v := range views {
			marker := ""
			if v.RecentlyDead {
				marker = " [DEAD]"
			}
			fmt.Printf("  %-12s %-12s players=%d/%d slots=%d%s\n",
				v.Snapshot.ID, v.Snapshot.Status, v.Snapshot.PlayerCount,
				v.Snapshot.MaxCapacity, len(v.Snapshot.Slots), marker)
		}
	case "proxies":
		views := c.inspector.ProxyViews(ctx)
		if len(views) == 0 {
			fmt.Println("No proxies.")
			return
		}
		for _, v := range views {
			marker := ""
			if v.RecentlyDead {
				marker = " [DEAD]"
			}
			fmt.Printf("  %-12s %-12s %s:%d%s\n", v.ProxyID, v.Status, v.Address, v.Port, marker)
		}
	case "fleet":
		sum := c.inspector.Summary(ctx)
		fmt.Printf("  servers=%d (dead %d)  proxies=%d (dead %d)  players=%d  slots avail=%d occupied=%d\n",
			sum.Servers, sum.DeadServers, sum.Proxies, sum.DeadProxies,
			sum.TotalPlayers, sum.SlotsAvailable, sum.SlotsOccupied)
	default:
		fmt.Printf("Unknown inspect target %q (servers|proxies|fleet).\n", target)
	}
}

func (c *console) cmdBroadcast(message string) {
	if message == "" {
		fmt.Println("Usage: broadcast <message>")
		return
	}
	if err := c.sender.Broadcast(protocol.TypeBroadcast, &protocol.ChatBroadcast{Message: message}); err != nil {
		fmt.Fprintf(os.Stderr, "broadcast failed: %v\n", err)
		return
	}
	fmt.Println("Broadcast sent.")
}
