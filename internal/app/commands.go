package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/petervdpas/peercall/internal/call"
	"github.com/petervdpas/peercall/internal/session"
)

// commandLoop drives the controller from stdin until ctx is cancelled or
// the user quits. One command per line; unknown input prints the help.
func commandLoop(ctx context.Context, ctrl *call.Controller, store *session.Store) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	printHelp()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := runCommand(ctx, ctrl, store, line); done {
				return nil
			}
		}
	}
}

func runCommand(ctx context.Context, ctrl *call.Controller, store *session.Store, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "join":
		if len(fields) < 3 {
			fmt.Println("usage: join <room> <username>")
			return false
		}
		if err := ctrl.JoinRoom(ctx, fields[1], fields[2]); err != nil {
			fmt.Printf("join failed: %v\n", err)
		}

	case "leave":
		ctrl.LeaveRoom()

	case "mute":
		if ctrl.ToggleMute() {
			fmt.Println("microphone muted")
		} else {
			fmt.Println("microphone live")
		}

	case "camera":
		if ctrl.ToggleCamera() {
			fmt.Println("camera off")
		} else {
			fmt.Println("camera on")
		}

	case "share":
		if err := ctrl.StartScreenSharing(ctx); err != nil {
			fmt.Printf("screen share failed: %v\n", err)
		}

	case "unshare":
		ctrl.StopScreenSharing()

	case "chat":
		if len(fields) < 2 {
			fmt.Println("usage: chat <message>")
			return false
		}
		if err := ctrl.SendMessage(strings.TrimSpace(strings.TrimPrefix(line, "chat"))); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}

	case "status":
		printStatus(store.State())

	case "help":
		printHelp()

	case "quit", "exit":
		return true

	default:
		fmt.Printf("unknown command %q (try: help)\n", fields[0])
	}
	return false
}

func printStatus(st session.State) {
	fmt.Printf("status:     %s (quality %s)\n", st.Status, st.Quality)
	fmt.Printf("room:       %s  user: %s  creator: %v\n", st.RoomID, st.Username, st.Creator)
	fmt.Printf("in call:    %v  duration: %ds  reconnecting: %v\n", st.InCall, st.CallDuration, st.Reconnecting)
	fmt.Printf("muted: %v  camera off: %v  sharing: %v (by %q)\n",
		st.Muted, st.CameraOff, st.ScreenSharing, st.ScreenSharingUser)
	fmt.Printf("participants (%d):\n", len(st.Participants))
	for _, p := range st.Participants {
		marker := ""
		if p.IsCreator {
			marker = " *"
		}
		fmt.Printf("  %s (%s)%s\n", p.Username, p.UserID, marker)
	}
	if st.ErrorMessage != "" {
		fmt.Printf("error:      %s\n", st.ErrorMessage)
	}
	if n := len(st.Messages); n > 0 {
		fmt.Printf("chat (%d messages, last 5):\n", n)
		start := n - 5
		if start < 0 {
			start = 0
		}
		for _, m := range st.Messages[start:] {
			fmt.Printf("  [%s] %s: %s\n", m.Timestamp, m.Username, m.Message)
		}
	}
}

func printHelp() {
	fmt.Println(`commands:
  join <room> <username>   join a call room
  leave                    leave the current room
  mute                     toggle microphone
  camera                   toggle camera
  share / unshare          start or stop screen sharing
  chat <message>           send a chat message
  status                   print session state
  quit                     exit`)
}
