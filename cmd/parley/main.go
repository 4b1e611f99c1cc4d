// Command parley is a line-oriented terminal client for a Parley server.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/parley-chat/parley/pkg/client"
	"github.com/parley-chat/parley/pkg/protocol"
)

func main() {
	addr := flag.String("addr", "localhost:7465", "Server address (host:port)")
	flag.Parse()

	c := client.NewSessionClient(*addr)
	if err := c.Connect(); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer c.Close()

	c.OnConnectionLost(func(err error) {
		fmt.Fprintf(os.Stderr, "\nConnection lost: %v\n", err)
		os.Exit(1)
	})
	go printEvents(c)

	info := c.ServerInfo()
	fmt.Printf("Connected to %s (protocol v%d)\n", info.ServerName, info.ProtocolVersion)
	fmt.Println("Commands: /register /login /chat /join /chats /upload /download /inline /quit")
	fmt.Println("Anything else is sent to the current room.")

	stdin := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !stdin.Scan() {
			return
		}
		line := strings.TrimSpace(stdin.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}
		if err := runCommand(c, line); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

// runCommand handles the few commands that need local behavior (file
// paths, pretty printing); everything else goes to the server verbatim.
func runCommand(c *client.SessionClient, line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/register":
		if len(fields) < 3 {
			return fmt.Errorf("usage: /register username password [display name]")
		}
		profile, err := c.Register(fields[1], fields[2], strings.Join(fields[3:], " "))
		if err != nil {
			return err
		}
		fmt.Printf("Registered %s (id %d), now /login\n", profile.Username, profile.UserID)

	case "/login":
		if len(fields) < 3 {
			return fmt.Errorf("usage: /login username password")
		}
		data, err := c.Login(fields[1], fields[2])
		if err != nil {
			return err
		}
		fmt.Printf("Logged in as %s\n", data.Profile.Username)
		printRooms(data.Rooms)

	case "/chat":
		if len(fields) < 2 {
			return fmt.Errorf("usage: /chat username")
		}
		history, err := c.StartPrivateChat(fields[1])
		if err != nil {
			return err
		}
		printHistory(history)

	case "/join":
		roomID, err := parseID(fields, "usage: /join roomId")
		if err != nil {
			return err
		}
		history, err := c.JoinRoom(roomID)
		if err != nil {
			return err
		}
		printHistory(history)

	case "/chats":
		rooms, err := c.ListChats()
		if err != nil {
			return err
		}
		printRooms(rooms)

	case "/upload":
		if len(fields) < 3 {
			return fmt.Errorf("usage: /upload roomId path")
		}
		roomID, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad room id %q", fields[1])
		}
		msg, err := c.UploadFile(roomID, fields[2], protocol.MessageFile)
		if err != nil {
			return err
		}
		fmt.Printf("Uploaded %s (file id %d)\n", msg.FileName, msg.FileID)

	case "/download":
		if len(fields) < 3 {
			return fmt.Errorf("usage: /download fileId destPath")
		}
		fileID, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad file id %q", fields[1])
		}
		if err := c.DownloadFile(fileID, fields[2]); err != nil {
			return err
		}
		fmt.Printf("Saved to %s\n", fields[2])

	case "/inline":
		fileID, err := parseID(fields, "usage: /inline fileId")
		if err != nil {
			return err
		}
		content, err := c.DownloadInline(fileID)
		if err != nil {
			return err
		}
		fmt.Printf("Received %d bytes\n", len(content))

	default:
		return c.SendText(line)
	}
	return nil
}

func parseID(fields []string, usage string) (int64, error) {
	if len(fields) < 2 {
		return 0, fmt.Errorf("%s", usage)
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad id %q", fields[1])
	}
	return id, nil
}

func printEvents(c *client.SessionClient) {
	for env := range c.Events() {
		data, err := protocol.DecodeData(env)
		if err != nil {
			continue
		}
		switch payload := data.(type) {
		case *protocol.ChatMessage:
			if env.Message == protocol.TagMessageUpdated {
				fmt.Printf("\r[%d] %s (edited): %s\n> ", payload.RoomID, payload.AuthorName, payload.Content)
			} else {
				fmt.Printf("\r[%d] %s: %s\n> ", payload.RoomID, payload.AuthorName, payload.Content)
			}
		case *protocol.MessageRef:
			fmt.Printf("\r[%d] message %d deleted\n> ", payload.RoomID, payload.MessageID)
		case *protocol.RoomInfo:
			fmt.Printf("\r%s wants to chat (room %d), /join %d to answer\n> ", payload.Name, payload.RoomID, payload.RoomID)
		case *protocol.MemberChange:
			fmt.Printf("\r[%d] membership change: %s\n> ", payload.RoomID, payload.Username)
		}
	}
}

func printRooms(rooms []protocol.RoomInfo) {
	if len(rooms) == 0 {
		fmt.Println("No rooms yet, /chat someone")
		return
	}
	for _, r := range rooms {
		kind := "private"
		if r.IsGroup {
			kind = "group"
		}
		fmt.Printf("  [%d] %s (%s)\n", r.RoomID, r.Name, kind)
	}
}

func printHistory(history *protocol.RoomHistory) {
	fmt.Printf("Joined [%d] %s\n", history.Room.RoomID, history.Room.Name)
	for _, m := range history.Messages {
		fmt.Printf("  %s: %s\n", m.AuthorName, m.Content)
	}
}
